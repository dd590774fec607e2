// cmd/cli/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/keshon/domme-player/internal/app"
	"github.com/keshon/domme-player/internal/config"
	"github.com/keshon/domme-player/internal/store"
)

func main() {
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	root := &cobra.Command{
		Use:   "player-cli",
		Short: "Inspect and repair the player's shared state",
	}
	root.AddCommand(newSnapshotsCmd(), newDeadlinesCmd(), newMonitorsCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// withStore opens the configured store for the duration of fn.
func withStore(fn func(ctx context.Context, st store.Store) error) {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	st, err := app.OpenStore(ctx, cfg, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
	}
	defer st.Close()

	if err := fn(ctx, st); err != nil {
		log.Fatal().Err(err).Msg("Command failed")
	}
}

func table() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
}

func newSnapshotsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshots",
		Short: "Preserved playback states",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List preserved playback states",
		Run: func(cmd *cobra.Command, args []string) {
			withStore(func(ctx context.Context, st store.Store) error {
				states, err := st.ListPreserved(ctx)
				if err != nil {
					return err
				}
				w := table()
				fmt.Fprintln(w, "GUILD\tSAVED\tPOSITION\tPAUSED\tTRACK")
				for _, s := range states {
					fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", s.GuildID, s.Timestamp.Format(time.RFC3339),
						time.Duration(s.Position)*time.Millisecond, s.Paused, s.Track.Title)
				}
				return w.Flush()
			})
		},
	}

	var olderThan time.Duration
	purge := &cobra.Command{
		Use:   "purge [guild...]",
		Short: "Delete preserved states for the given guilds, or all older than --older-than",
		Run: func(cmd *cobra.Command, args []string) {
			withStore(func(ctx context.Context, st store.Store) error {
				targets := args
				if len(targets) == 0 {
					states, err := st.ListPreserved(ctx)
					if err != nil {
						return err
					}
					cutoff := time.Now().Add(-olderThan)
					for _, s := range states {
						if s.Timestamp.Before(cutoff) {
							targets = append(targets, s.GuildID)
						}
					}
				}
				for _, g := range targets {
					if err := st.DeletePreserved(ctx, g); err != nil {
						return err
					}
				}
				log.Info().Int("deleted", len(targets)).Msg("Snapshots purged")
				return nil
			})
		},
	}
	purge.Flags().DurationVar(&olderThan, "older-than", 30*time.Minute, "Age past which a snapshot is purged when no guild is given")

	cmd.AddCommand(list, purge)
	return cmd
}

func newDeadlinesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deadlines",
		Short: "Pending inactivity deadlines",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List pending inactivity deadlines",
		Run: func(cmd *cobra.Command, args []string) {
			withStore(func(ctx context.Context, st store.Store) error {
				deadlines, err := st.ListDeadlines(ctx)
				if err != nil {
					return err
				}
				now := time.Now()
				w := table()
				fmt.Fprintln(w, "GUILD\tREASON\tEXPIRES\tIN")
				for _, d := range deadlines {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.GuildID, d.Reason,
						d.ExpiresAt.Format(time.RFC3339), d.ExpiresAt.Sub(now).Round(time.Second))
				}
				return w.Flush()
			})
		},
	})
	return cmd
}

func newMonitorsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitors",
		Short: "Voice-channel monitor flags",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List held monitor flags and their owners",
		Run: func(cmd *cobra.Command, args []string) {
			withStore(func(ctx context.Context, st store.Store) error {
				monitors, err := st.ListMonitors(ctx)
				if err != nil {
					return err
				}
				w := table()
				fmt.Fprintln(w, "GUILD\tOWNER")
				for _, m := range monitors {
					fmt.Fprintf(w, "%s\t%s\n", m.GuildID, m.Owner)
				}
				return w.Flush()
			})
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear <guild>...",
		Short: "Force-release monitor flags, e.g. after a shard crashed",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			withStore(func(ctx context.Context, st store.Store) error {
				for _, g := range args {
					if err := st.ClearMonitor(ctx, g); err != nil {
						return err
					}
				}
				log.Info().Strs("guilds", args).Msg("Monitor flags cleared")
				return nil
			})
		},
	}

	cmd.AddCommand(list, clearCmd)
	return cmd
}
