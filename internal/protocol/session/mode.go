package session

import (
	"fmt"
	"strings"

	"github.com/danmuck/ftprelay/internal/protocol/ftp"
)

// Mode is one protection level x data-direction combination.
type Mode struct {
	Protection ftp.Protection
	Passive    bool
}

func (m Mode) String() string {
	dir := "active"
	if m.Passive {
		dir = "passive"
	}
	return m.Protection.String() + "+" + dir
}

// DefaultModes is the fixed preference order: protected before clear,
// passive before active.
func DefaultModes() []Mode {
	return []Mode{
		{Protection: ftp.ProtectionProtected, Passive: true},
		{Protection: ftp.ProtectionProtected, Passive: false},
		{Protection: ftp.ProtectionClear, Passive: true},
		{Protection: ftp.ProtectionClear, Passive: false},
	}
}

// ParseMode accepts "protected+passive", "clear+active" and the short forms
// "P+pasv", "C+port".
func ParseMode(raw string) (Mode, error) {
	prot, dir, ok := strings.Cut(strings.ToLower(strings.TrimSpace(raw)), "+")
	if !ok {
		return Mode{}, fmt.Errorf("%w: %q", ErrInvalidMode, raw)
	}
	var m Mode
	switch prot {
	case "protected", "p", "private":
		m.Protection = ftp.ProtectionProtected
	case "clear", "c":
		m.Protection = ftp.ProtectionClear
	default:
		return Mode{}, fmt.Errorf("%w: protection %q", ErrInvalidMode, prot)
	}
	switch dir {
	case "passive", "pasv":
		m.Passive = true
	case "active", "port":
		m.Passive = false
	default:
		return Mode{}, fmt.Errorf("%w: direction %q", ErrInvalidMode, dir)
	}
	return m, nil
}

// ParseModes parses an ordered list, dropping duplicates while keeping the
// first position of each.
func ParseModes(raw []string) ([]Mode, error) {
	out := make([]Mode, 0, len(raw))
	seen := make(map[Mode]bool, len(raw))
	for _, r := range raw {
		m, err := ParseMode(r)
		if err != nil {
			return nil, err
		}
		if seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out, nil
}
