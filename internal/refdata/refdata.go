// Package refdata loads the static stops and lines reference dataset.
//
// The dataset ships inside the binary (data/*.json). A directory holding files with the
// same names can replace it at runtime. Stops carry Lambert-93 coordinates; WGS84
// coordinates are derived on load.
package refdata

import (
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"departureboard/internal/geo"
)

//go:embed data/*.json
var bundled embed.FS

const (
	stopsFile = "stops.json"
	linesFile = "lines.json"
)

type Mode string

const (
	ModeBus       Mode = "bus"
	ModeMetro     Mode = "metro"
	ModeTram      Mode = "tram"
	ModeRER       Mode = "rer"
	ModeRail      Mode = "rail"
	ModeCable     Mode = "cable"
	ModeFunicular Mode = "funicular"
)

func (m Mode) Valid() bool {
	switch m {
	case ModeBus, ModeMetro, ModeTram, ModeRER, ModeRail, ModeCable, ModeFunicular:
		return true
	}
	return false
}

type Stop struct {
	ID    string   `json:"id"`
	Name  string   `json:"name"`
	Town  string   `json:"town,omitempty"`
	Kind  string   `json:"kind,omitempty"`
	X     float64  `json:"x,omitempty"` // Lambert-93 meters
	Y     float64  `json:"y,omitempty"`
	Lat   float64  `json:"lat,omitempty"`
	Lon   float64  `json:"lon,omitempty"`
	Lines []string `json:"lines,omitempty"`
}

func (s Stop) Point() geo.Point { return geo.Point{Lat: s.Lat, Lon: s.Lon} }

type Line struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ShortName string `json:"short_name,omitempty"`
	Mode      Mode   `json:"mode"`
	Operator  string `json:"operator,omitempty"`
	Color     string `json:"color,omitempty"`
	TextColor string `json:"text_color,omitempty"`
}

type Dataset struct {
	Stops []Stop
	Lines []Line

	version string
	stops   map[string]int
	lines   map[string]int
}

// Version identifies the raw dataset content.
func (d *Dataset) Version() string { return d.version }

func (d *Dataset) Stop(id string) (Stop, bool) {
	i, ok := d.stops[id]
	if !ok {
		return Stop{}, false
	}
	return d.Stops[i], true
}

func (d *Dataset) Line(id string) (Line, bool) {
	i, ok := d.lines[id]
	if !ok {
		return Line{}, false
	}
	return d.Lines[i], true
}

// Load reads the dataset from dir, or the bundled copy when dir is empty.
func Load(dir string) (*Dataset, error) {
	var fsys fs.FS
	if strings.TrimSpace(dir) == "" {
		sub, err := fs.Sub(bundled, "data")
		if err != nil {
			return nil, err
		}
		fsys = sub
	} else {
		fsys = os.DirFS(dir)
	}
	return LoadFS(fsys)
}

func LoadFS(fsys fs.FS) (*Dataset, error) {
	rawStops, err := fs.ReadFile(fsys, stopsFile)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", stopsFile, err)
	}
	rawLines, err := fs.ReadFile(fsys, linesFile)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", linesFile, err)
	}

	var ds Dataset
	if err := json.Unmarshal(rawLines, &ds.Lines); err != nil {
		return nil, fmt.Errorf("decode %s: %w", linesFile, err)
	}
	if err := json.Unmarshal(rawStops, &ds.Stops); err != nil {
		return nil, fmt.Errorf("decode %s: %w", stopsFile, err)
	}

	h := sha256.New()
	h.Write(rawLines)
	h.Write(rawStops)
	ds.version = hex.EncodeToString(h.Sum(nil))[:16]

	if err := ds.index(); err != nil {
		return nil, err
	}
	return &ds, nil
}

func (d *Dataset) index() error {
	title := cases.Title(language.French)

	d.lines = make(map[string]int, len(d.Lines))
	for i := range d.Lines {
		l := &d.Lines[i]
		l.ID = strings.TrimSpace(l.ID)
		if l.ID == "" {
			return errors.New("line with empty id")
		}
		if _, dup := d.lines[l.ID]; dup {
			return fmt.Errorf("duplicate line id %q", l.ID)
		}
		if !l.Mode.Valid() {
			return fmt.Errorf("line %s: unknown mode %q", l.ID, l.Mode)
		}
		if l.ShortName == "" {
			l.ShortName = l.Name
		}
		d.lines[l.ID] = i
	}

	d.stops = make(map[string]int, len(d.Stops))
	for i := range d.Stops {
		s := &d.Stops[i]
		s.ID = strings.TrimSpace(s.ID)
		if s.ID == "" {
			return errors.New("stop with empty id")
		}
		if _, dup := d.stops[s.ID]; dup {
			return fmt.Errorf("duplicate stop id %q", s.ID)
		}
		if isUpper(s.Name) {
			s.Name = title.String(strings.ToLower(s.Name))
		}

		p := s.Point()
		if !p.Valid() && s.X != 0 && s.Y != 0 {
			p = geo.Lambert93ToWGS84(s.X, s.Y)
		}
		p = geo.OrDefault(p, geo.Paris)
		s.Lat, s.Lon = p.Lat, p.Lon

		known := s.Lines[:0]
		for _, id := range s.Lines {
			if _, ok := d.lines[id]; !ok {
				slog.Warn("refdata.unknown_line", "stop", s.ID, "line", id)
				continue
			}
			known = append(known, id)
		}
		s.Lines = known
		d.stops[s.ID] = i
	}
	return nil
}

func isUpper(s string) bool {
	hasLetter := false
	for _, r := range s {
		if unicode.IsLetter(r) {
			hasLetter = true
			if unicode.IsLower(r) {
				return false
			}
		}
	}
	return hasLetter
}
