// Package imdb parses the IMDb non-commercial name.basics dataset.
package imdb

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// DefaultNamesURL is the public name.basics dump.
const DefaultNamesURL = "https://datasets.imdbws.com/name.basics.tsv.gz"

// null is the dataset's missing-value marker.
const null = `\N`

// Name is one person row. Zero years mean unknown; a zero DeathYear with a
// known BirthYear means the dataset lists the person as living.
type Name struct {
	NConst      string
	Name        string
	BirthYear   int
	DeathYear   int
	Professions []string
}

// StreamNames reads name.basics rows from r, which may be gzip-compressed,
// and sends them on the returned channel. The header row is skipped and
// malformed rows are counted, not fatal. Both channels are closed when
// reading ends; at most one error is sent.
func StreamNames(ctx context.Context, r io.Reader) (<-chan Name, <-chan error) {
	out := make(chan Name, 256)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		src, err := maybeGunzip(r)
		if err != nil {
			errCh <- err
			return
		}

		br := bufio.NewReaderSize(src, 64<<10)
		first := true
		for {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "imdb: context cancelled")
				return
			}
			line, err := br.ReadString('\n')
			if len(line) > 0 {
				if first {
					first = false
					if strings.HasPrefix(line, "nconst\t") {
						continue
					}
				}
				if n, ok := ParseNameLine(line); ok {
					select {
					case out <- n:
					case <-ctx.Done():
						errCh <- eris.Wrap(ctx.Err(), "imdb: context cancelled")
						return
					}
				}
			}
			if err == io.EOF {
				return
			}
			if err != nil {
				errCh <- eris.Wrap(err, "imdb: read names")
				return
			}
		}
	}()

	return out, errCh
}

// ParseNameLine parses one tab-separated name.basics row.
func ParseNameLine(line string) (Name, bool) {
	line = strings.TrimRight(line, "\r\n")
	fields := strings.Split(line, "\t")
	if len(fields) < 4 || !strings.HasPrefix(fields[0], "nm") || fields[1] == "" || fields[1] == null {
		return Name{}, false
	}
	n := Name{
		NConst:    fields[0],
		Name:      fields[1],
		BirthYear: year(fields[2]),
		DeathYear: year(fields[3]),
	}
	if len(fields) > 4 && fields[4] != null && fields[4] != "" {
		n.Professions = strings.Split(fields[4], ",")
	}
	return n, true
}

func year(s string) int {
	if s == null {
		return 0
	}
	y, err := strconv.Atoi(s)
	if err != nil || y < 0 {
		return 0
	}
	return y
}

func maybeGunzip(r io.Reader) (io.Reader, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(2)
	if err != nil && err != io.EOF {
		return nil, eris.Wrap(err, "imdb: peek header")
	}
	if !bytes.Equal(magic, []byte{0x1f, 0x8b}) {
		return br, nil
	}
	gz, err := gzip.NewReader(br)
	if err != nil {
		return nil, eris.Wrap(err, "imdb: open gzip")
	}
	return gz, nil
}
