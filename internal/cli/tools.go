package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"departureboard/internal/geo"
	"departureboard/internal/keychain"
	"departureboard/internal/siri"
	"departureboard/internal/snapshot"
)

func newDeparturesCmd(a *app) *cobra.Command {
	var stop, line string
	var limit int
	cmd := &cobra.Command{
		Use:   "departures",
		Short: "Show live departures for a stop",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(stop) == "" {
				return fmt.Errorf("must specify a stop using --stop")
			}
			now := time.Now().In(a.cfg.Location)
			deps, err := a.siriClient(nil).Departures(cmd.Context(), stop, line, now)
			if err != nil {
				if errors.Is(err, siri.ErrMissingAPIKey) {
					return fmt.Errorf("%w: run 'departureboard apikey set' or export SIRI_API_KEY", err)
				}
				return err
			}
			if limit > 0 && len(deps) > limit {
				deps = deps[:limit]
			}
			printDepartures(a.out, deps, now, a.cfg.Location)
			return nil
		},
	}
	cmd.Flags().StringVar(&stop, "stop", "", "stop id")
	cmd.Flags().StringVar(&line, "line", "", "restrict to one line id")
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "maximum departures to show")
	return cmd
}

func printDepartures(w io.Writer, deps []siri.Departure, now time.Time, tz *time.Location) {
	if len(deps) == 0 {
		fmt.Fprintln(w, "No upcoming departures.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tIN\tLINE\tDESTINATION\tPLATFORM\tSTATUS")
	for _, d := range deps {
		status := d.Status
		if delay := d.Delay(); delay >= time.Minute {
			status = strings.TrimSpace(fmt.Sprintf("%s +%dmin", status, int(delay/time.Minute)))
		}
		line := d.LineName
		if line == "" {
			line = siri.LineIDFromRef(d.LineRef)
		}
		fmt.Fprintf(tw, "%s\t%d min\t%s\t%s\t%s\t%s\n",
			d.Time().In(tz).Format("15:04"), d.MinutesUntil(now), line, d.Destination, d.Platform, status)
	}
	tw.Flush()
}

func newAPIKeyCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage the real-time API key in the OS keychain",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "set [key]",
		Short: "Store the API key (read from stdin when omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var key string
			if len(args) == 1 {
				key = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && !errors.Is(err, io.EOF) {
					return err
				}
				key = line
			}
			key = strings.TrimSpace(key)
			if key == "" {
				return fmt.Errorf("empty API key")
			}
			if err := a.keys(a.cfg).Set(key); err != nil {
				return err
			}
			fmt.Fprintln(a.out, "API key stored in keychain")
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Remove the API key from the keychain",
		RunE: func(cmd *cobra.Command, _ []string) error {
			err := a.keys(a.cfg).Delete()
			if errors.Is(err, keychain.ErrNotFound) {
				fmt.Fprintln(a.out, "no API key stored")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, "API key removed")
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show where the API key comes from",
		RunE: func(cmd *cobra.Command, _ []string) error {
			chain := a.keys(a.cfg)
			switch src := keychain.Source(chain); src {
			case "":
				fmt.Fprintln(a.out, "API key: not configured")
			default:
				key, err := chain.Get()
				if err != nil {
					return err
				}
				fmt.Fprintf(a.out, "API key: %s (from %s)\n", mask(key), src)
			}
			return nil
		},
	})
	return cmd
}

func mask(s string) string {
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", len(s)-4) + s[len(s)-4:]
}

func newConvertCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "convert <x> <y>",
		Short: "Convert Lambert-93 meters to WGS84 latitude/longitude",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			x, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return fmt.Errorf("invalid x %q", args[0])
			}
			y, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("invalid y %q", args[1])
			}
			p, err := geo.FromLambert93(x, y)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%.6f %.6f\n", p.Lat, p.Lon)
			return nil
		},
	}
}

func (a *app) redisClient() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     a.cfg.RedisAddr,
		Password: a.cfg.RedisPassword,
		DB:       a.cfg.RedisDB,
	})
}

func newWidgetCmd(a *app) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "widget",
		Short: "Print the latest widget snapshot as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rdb := a.redisClient()
			defer rdb.Close()
			store := snapshot.NewRedisStore(rdb, a.cfg.SnapshotTTL)

			if err := printSnapshot(cmd.Context(), a.out, store); err != nil && !(watch && errors.Is(err, snapshot.ErrNoSnapshot)) {
				return err
			}
			if !watch {
				return nil
			}
			for range store.Subscribe(cmd.Context()) {
				if err := printSnapshot(cmd.Context(), a.out, store); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "keep printing every new snapshot")
	return cmd
}

func printSnapshot(ctx context.Context, w io.Writer, store *snapshot.RedisStore) error {
	s, err := store.Latest(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}
