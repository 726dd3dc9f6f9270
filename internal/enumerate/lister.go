// Package enumerate produces the bounded, ordered candidate list for a
// receive run.
package enumerate

import (
	"context"
	"path"
	"sort"
	"strings"

	"github.com/danmuck/ftprelay/internal/localstore"
	"github.com/danmuck/ftprelay/internal/protocol/ftp"
	"github.com/rs/zerolog/log"
)

// Conn is the listing surface of a control session.
type Conn interface {
	SetType(t ftp.TransferType) error
	NameList(pattern string) ([]string, error)
}

// Prefixes is the scan order for prefix listing. It follows byte order so
// stopping at the cap keeps the lexicographically first names.
var Prefixes = func() []string {
	out := []string{"-", "."}
	for c := '0'; c <= '9'; c++ {
		out = append(out, string(c))
	}
	for c := 'A'; c <= 'Z'; c++ {
		out = append(out, string(c))
	}
	out = append(out, "_")
	for c := 'a'; c <= 'z'; c++ {
		out = append(out, string(c))
	}
	return out
}()

// Lister lists the current remote directory.
type Lister struct {
	// Cap bounds the result; zero or less means unbounded.
	Cap int
	// Extensions filters names, case-insensitively. Empty keeps all names.
	Extensions []string
	// PrefixScan issues one NLST per prefix before the plain listing so large
	// directories are not listed in full when the cap is reached early.
	PrefixScan bool
}

// List returns at most Cap names, sorted and deduplicated. Listing errors
// other than a lost connection are treated as an empty listing.
func (l Lister) List(ctx context.Context, conn Conn) ([]string, error) {
	seen := make(map[string]struct{})
	var names []string

	collect := func(batch []string) {
		batch = l.filter(batch)
		sort.Strings(batch)
		for _, name := range batch {
			if l.full(names) {
				return
			}
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}

	if l.PrefixScan {
		for _, prefix := range Prefixes {
			if l.full(names) {
				break
			}
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			batch, err := l.nameList(conn, prefix+"*")
			if err != nil {
				return nil, err
			}
			collect(batch)
		}
	}

	if !l.full(names) {
		batch, err := l.nameList(conn, "")
		if err != nil {
			return nil, err
		}
		collect(batch)
	}

	sort.Strings(names)
	log.Debug().Int("names", len(names)).Int("cap", l.Cap).Bool("prefix_scan", l.PrefixScan).Msg("enumerate.Lister.List")
	return names, nil
}

func (l Lister) full(names []string) bool {
	return l.Cap > 0 && len(names) >= l.Cap
}

func (l Lister) nameList(conn Conn, pattern string) ([]string, error) {
	if err := conn.SetType(ftp.TypeASCII); err != nil && ftp.IsConnectionLost(err) {
		return nil, err
	}
	names, err := conn.NameList(pattern)
	if err != nil {
		if ftp.IsConnectionLost(err) {
			return nil, err
		}
		log.Debug().Err(err).Str("pattern", pattern).Msg("enumerate.Lister NLST empty")
		return nil, nil
	}
	return names, nil
}

func (l Lister) filter(names []string) []string {
	out := make([]string, 0, len(names))
	for _, name := range names {
		name = path.Base(strings.TrimSpace(name))
		if name == "" || name == "." || name == ".." || name == "/" {
			continue
		}
		if !localstore.MatchExt(name, l.Extensions) {
			continue
		}
		out = append(out, name)
	}
	return out
}
