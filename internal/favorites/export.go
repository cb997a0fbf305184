package favorites

import (
	"context"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

const exportVersion = 1

type exportFile struct {
	Version   int        `yaml:"version"`
	Favorites []Favorite `yaml:"favorites"`
}

// Export writes every favorite as YAML.
func (s *Service) Export(ctx context.Context, w io.Writer) error {
	favs, err := s.List(ctx)
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(exportFile{Version: exportVersion, Favorites: favs}); err != nil {
		return fmt.Errorf("encode favorites: %w", err)
	}
	return enc.Close()
}

// Import reads favorites written by Export. Entries whose ID already exists are updated,
// the rest are added. Nothing is written when any entry is invalid. Writes are not
// atomic: a repository error stops the import with earlier entries already stored,
// and the returned counts cover what was written.
func (s *Service) Import(ctx context.Context, r io.Reader) (added, updated int, err error) {
	var file exportFile
	if err := yaml.NewDecoder(r).Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("%w: decode: %v", ErrInvalid, err)
	}
	if file.Version > exportVersion {
		return 0, 0, fmt.Errorf("%w: unsupported export version %d", ErrInvalid, file.Version)
	}

	for i := range file.Favorites {
		if err := s.check(ctx, &file.Favorites[i]); err != nil {
			return 0, 0, fmt.Errorf("favorite %d: %w", i, err)
		}
	}

	for _, f := range file.Favorites {
		if f.ID != "" {
			_, err := s.repo.Get(ctx, f.ID)
			switch {
			case err == nil:
				if _, err := s.Update(ctx, f); err != nil {
					return added, updated, err
				}
				updated++
				continue
			case !errors.Is(err, ErrNotFound):
				return added, updated, err
			}
		}
		if _, err := s.Add(ctx, f); err != nil {
			return added, updated, err
		}
		added++
	}
	return added, updated, nil
}
