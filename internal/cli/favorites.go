package cli

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"departureboard/internal/conditions"
	"departureboard/internal/db"
	"departureboard/internal/favorites"
	"departureboard/internal/geo"
)

func (a *app) favoritesService(sqlDB *sql.DB) *favorites.Service {
	return favorites.NewService(db.FavoriteRepo{DB: sqlDB}, db.Catalog{DB: sqlDB}, a.siriClient(nil), favorites.WithLocation(a.cfg.Location))
}

func newFavoritesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "favorites",
		Aliases: []string{"fav"},
		Short:   "Manage favorite stops and lines",
	}
	cmd.AddCommand(
		newFavoritesListCmd(a),
		newFavoritesAddCmd(a),
		newFavoritesRemoveCmd(a),
		newFavoritesExportCmd(a),
		newFavoritesImportCmd(a),
	)
	return cmd
}

func newFavoritesListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List favorites in display order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withDB(cmd.Context(), func(sqlDB *sql.DB) error {
				favs, err := a.favoritesService(sqlDB).List(cmd.Context())
				if err != nil {
					return err
				}
				printFavorites(a.out, favs)
				return nil
			})
		},
	}
}

func printFavorites(w io.Writer, favs []favorites.Favorite) {
	if len(favs) == 0 {
		fmt.Fprintln(w, "No favorites yet.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTOP\tLINE\tPRIORITY\tCONDITIONS")
	for _, f := range favs {
		line := f.LineID
		if line == "" {
			line = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n", f.ID, f.Name, f.StopID, line, f.Priority, describeConditions(f.Conditions))
	}
	tw.Flush()
}

func describeConditions(conds []conditions.Condition) string {
	var parts []string
	for _, c := range conds {
		var s string
		switch c.Kind {
		case conditions.KindTimeRange:
			s = conditions.FormatMinute(c.StartMinute) + "-" + conditions.FormatMinute(c.EndMinute)
		case conditions.KindWeekdays:
			days := make([]string, 0, len(c.Weekdays))
			for _, d := range c.Weekdays {
				days = append(days, d.String()[:3])
			}
			s = strings.Join(days, ",")
		case conditions.KindGeofence:
			s = fmt.Sprintf("within %.0fm of %.4f,%.4f", c.RadiusMeters, c.Center.Lat, c.Center.Lon)
		default:
			s = string(c.Kind)
		}
		if !c.Active {
			s += " (off)"
		}
		parts = append(parts, s)
	}
	if len(parts) == 0 {
		return "always"
	}
	return strings.Join(parts, "; ")
}

type conditionFlags struct {
	from, to string
	days     string
	near     string
	radius   float64
}

func (cf conditionFlags) build() ([]conditions.Condition, error) {
	var out []conditions.Condition
	if cf.from != "" || cf.to != "" {
		if cf.from == "" || cf.to == "" {
			return nil, fmt.Errorf("--from and --to go together")
		}
		start, err := conditions.ParseMinute(cf.from)
		if err != nil {
			return nil, err
		}
		end, err := conditions.ParseMinute(cf.to)
		if err != nil {
			return nil, err
		}
		out = append(out, conditions.TimeRange(start, end))
	}
	if cf.days != "" {
		days, err := parseWeekdays(cf.days)
		if err != nil {
			return nil, err
		}
		out = append(out, conditions.Weekdays(days...))
	}
	if cf.near != "" {
		p, err := parsePoint(cf.near)
		if err != nil {
			return nil, err
		}
		out = append(out, conditions.Geofence(p, cf.radius))
	}
	return out, nil
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

// parseWeekdays accepts "mon,tue", "weekdays" and "weekend".
func parseWeekdays(s string) ([]time.Weekday, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "weekdays":
		return []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday}, nil
	case "weekend":
		return []time.Weekday{time.Saturday, time.Sunday}, nil
	}
	var out []time.Weekday
	for _, part := range strings.Split(s, ",") {
		key := strings.ToLower(strings.TrimSpace(part))
		if len(key) > 3 {
			key = key[:3]
		}
		d, ok := weekdayNames[key]
		if !ok {
			return nil, fmt.Errorf("unknown weekday %q", part)
		}
		out = append(out, d)
	}
	return out, nil
}

// parsePoint reads "lat,lon".
func parsePoint(s string) (geo.Point, error) {
	lat, lon, ok := strings.Cut(s, ",")
	if !ok {
		return geo.Point{}, fmt.Errorf("want lat,lon, got %q", s)
	}
	var p geo.Point
	var err error
	if p.Lat, err = strconv.ParseFloat(strings.TrimSpace(lat), 64); err != nil {
		return geo.Point{}, fmt.Errorf("invalid latitude %q", lat)
	}
	if p.Lon, err = strconv.ParseFloat(strings.TrimSpace(lon), 64); err != nil {
		return geo.Point{}, fmt.Errorf("invalid longitude %q", lon)
	}
	if !p.Valid() {
		return geo.Point{}, fmt.Errorf("coordinates out of range: %q", s)
	}
	return p, nil
}

func newFavoritesAddCmd(a *app) *cobra.Command {
	var (
		f  favorites.Favorite
		cf conditionFlags
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a favorite",
		Example: `  departureboard favorites add --name Work --stop 473921 --line C01742 --from 07:00 --to 09:30 --days weekdays
  departureboard favorites add --name "Near home" --stop 463158 --near 48.8443,2.3744 --radius 400`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conds, err := cf.build()
			if err != nil {
				return err
			}
			f.Conditions = conds
			return a.withDB(cmd.Context(), func(sqlDB *sql.DB) error {
				created, err := a.favoritesService(sqlDB).Add(cmd.Context(), f)
				if err != nil {
					return err
				}
				fmt.Fprintf(a.out, "added %s (%s)\n", created.Name, created.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Name, "name", "", "display name")
	cmd.Flags().StringVar(&f.StopID, "stop", "", "stop id from the reference dataset")
	cmd.Flags().StringVar(&f.LineID, "line", "", "line id (optional)")
	cmd.Flags().IntVar(&f.Priority, "priority", 0, "lower shows first")
	cmd.Flags().StringVar(&cf.from, "from", "", "show from HH:MM")
	cmd.Flags().StringVar(&cf.to, "to", "", "show until HH:MM")
	cmd.Flags().StringVar(&cf.days, "days", "", "show on these days: mon,tue,... | weekdays | weekend")
	cmd.Flags().StringVar(&cf.near, "near", "", "show near lat,lon")
	cmd.Flags().Float64Var(&cf.radius, "radius", 500, "geofence radius in meters")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("stop")
	return cmd
}

func newFavoritesRemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <id>",
		Aliases: []string{"rm"},
		Short:   "Remove a favorite",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withDB(cmd.Context(), func(sqlDB *sql.DB) error {
				if err := a.favoritesService(sqlDB).Remove(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(a.out, "removed %s\n", args[0])
				return nil
			})
		},
	}
}

func newFavoritesExportCmd(a *app) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write favorites as YAML",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withDB(cmd.Context(), func(sqlDB *sql.DB) error {
				w := a.out
				if file != "" && file != "-" {
					fh, err := os.Create(file)
					if err != nil {
						return err
					}
					defer fh.Close()
					w = fh
				}
				return a.favoritesService(sqlDB).Export(cmd.Context(), w)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "output file")
	return cmd
}

func newFavoritesImportCmd(a *app) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Read favorites from YAML written by export",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var r io.Reader = cmd.InOrStdin()
			if file != "" && file != "-" {
				fh, err := os.Open(file)
				if err != nil {
					return err
				}
				defer fh.Close()
				r = fh
			}
			return a.withDB(cmd.Context(), func(sqlDB *sql.DB) error {
				added, updated, err := a.favoritesService(sqlDB).Import(cmd.Context(), r)
				if err != nil {
					return err
				}
				fmt.Fprintf(a.out, "imported favorites: %d added, %d updated\n", added, updated)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "input file")
	return cmd
}
