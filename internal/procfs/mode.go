package procfs

import (
	"fmt"
	"os"
	"strconv"
)

// Mode is the access mode of a published entry, expressed with Unix
// permission bits. Only the read and write bits of any class are honored:
// callers are not distinguished, so 0644 and 0444 both mean read-only.
type Mode os.FileMode

// DefaultMode grants read and write to everyone.
const DefaultMode Mode = 0o666

const (
	readBits  = 0o444
	writeBits = 0o222
)

// ParseMode parses an octal permission string such as "0666" or "444".
func ParseMode(s string) (Mode, error) {
	v, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid mode %q: %w", s, err)
	}
	if v&^0o777 != 0 {
		return 0, fmt.Errorf("invalid mode %q: only permission bits are allowed", s)
	}
	return Mode(v), nil
}

// Readable reports whether any class may read.
func (m Mode) Readable() bool { return m&readBits != 0 }

// Writable reports whether any class may write.
func (m Mode) Writable() bool { return m&writeBits != 0 }

func (m Mode) String() string {
	return fmt.Sprintf("%04o", uint32(m))
}

// Allows reports whether the mode permits opening with flag.
func (m Mode) Allows(flag Flag) bool {
	if flag&FlagRead != 0 && !m.Readable() {
		return false
	}
	if flag&FlagWrite != 0 && !m.Writable() {
		return false
	}
	return true
}

// Flag selects the access requested by Open.
type Flag int

const (
	FlagRead Flag = 1 << iota
	FlagWrite

	FlagReadWrite = FlagRead | FlagWrite
)
