package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

const defaultServer = "http://localhost:8420"

type clientOptions struct {
	server  string
	name    string
	timeout time.Duration
}

func (o *clientOptions) httpClient() *http.Client {
	return &http.Client{Timeout: o.timeout}
}

func (o *clientOptions) logURL(name string) string {
	return strings.TrimRight(o.server, "/") + "/logs/" + url.PathEscape(name)
}

func newRootCmd() *cobra.Command {
	opts := &clientOptions{}

	root := &cobra.Command{
		Use:   "rwmonitor",
		Short: "rwmonitor is a bounded byte log exposed as a pseudo-file",
		Long: `rwmonitor keeps a fixed-size circular log of read/write activity and
publishes it under a well-known name. Reading drains the log; writing appends to it.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.server, "server", defaultServer, "rwmonitor server URL")
	root.PersistentFlags().StringVar(&opts.name, "log", "rw_monitor", "entry name to read or write")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "request timeout")

	root.AddCommand(
		newServeCmd(),
		newReadCmd(opts),
		newWriteCmd(opts),
		newListCmd(opts),
		newClearCmd(opts),
	)
	return root
}

func newReadCmd(opts *clientOptions) *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "read",
		Short: "Drain bytes from the log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if count <= 0 {
				return fmt.Errorf("count must be positive, got %d", count)
			}
			u := opts.logURL(opts.name) + "?count=" + strconv.Itoa(count)
			resp, err := opts.httpClient().Get(u)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			switch resp.StatusCode {
			case http.StatusNoContent:
				return nil
			case http.StatusOK:
				_, err = io.Copy(cmd.OutOrStdout(), resp.Body)
				return err
			}
			return responseError(resp)
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 4096, "maximum number of bytes to drain")
	return cmd
}

func newWriteCmd(opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "write [text...]",
		Short: "Append text, or stdin when no text is given",
		RunE: func(cmd *cobra.Command, args []string) error {
			var body io.Reader = cmd.InOrStdin()
			if len(args) > 0 {
				body = strings.NewReader(strings.Join(args, " "))
			}
			data, err := io.ReadAll(body)
			if err != nil {
				return err
			}

			resp, err := opts.httpClient().Post(opts.logURL(opts.name), "application/octet-stream", bytes.NewReader(data))
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return responseError(resp)
			}

			var out struct {
				Count int `json:"count"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d bytes\n", out.Count)
			return nil
		},
	}
}

func newListCmd(opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List published entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := opts.httpClient().Get(strings.TrimRight(opts.server, "/") + "/logs")
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return responseError(resp)
			}

			var entries []struct {
				Name     string `json:"name"`
				Mode     string `json:"mode"`
				Capacity int    `json:"capacity"`
				Buffered int    `json:"buffered"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tMODE\tCAPACITY\tBUFFERED")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Name, e.Mode,
					humanize.IBytes(uint64(e.Capacity)), humanize.IBytes(uint64(e.Buffered)))
			}
			return tw.Flush()
		},
	}
}

func newClearCmd(opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Discard everything buffered in the log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodDelete, opts.logURL(opts.name), nil)
			if err != nil {
				return err
			}
			resp, err := opts.httpClient().Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return responseError(resp)
			}

			var out struct {
				Count int `json:"count"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "discarded %s\n", humanize.IBytes(uint64(out.Count)))
			return nil
		},
	}
}

func responseError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body)
	if body.Error == "" {
		body.Error = http.StatusText(resp.StatusCode)
	}
	return fmt.Errorf("server returned %d: %s", resp.StatusCode, body.Error)
}
