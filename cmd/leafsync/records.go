package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/njoerd114/leafsync/internal/app"
	"github.com/njoerd114/leafsync/internal/model"
	"github.com/njoerd114/leafsync/internal/repository"
)

// recordFlags are the write options shared by add and edit.
type recordFlags struct {
	set   []string
	unset []string
	image string
}

func (f *recordFlags) register(cmd *cobra.Command, withUnset bool) {
	cmd.Flags().StringArrayVarP(&f.set, "set", "s", nil, "field value as name=value (repeatable)")
	cmd.Flags().StringVar(&f.image, "image", "", "path to a local image file")
	if withUnset {
		cmd.Flags().StringArrayVar(&f.unset, "unset", nil, "field to clear (repeatable)")
	}
}

// parseSet turns name=value pairs into a field map.
func parseSet(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("--set %q: want name=value", p)
		}
		out[name] = strings.TrimSpace(value)
	}
	return out, nil
}

// imagePath checks and absolutizes a local image path.
func imagePath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("resolving image path: %w", err)
	}
	if _, err := os.Stat(abs); err != nil {
		return "", fmt.Errorf("image: %w", err)
	}
	return abs, nil
}

// withRepo loads the app and runs fn on the repository named by kindArg.
func withRepo(g *globalFlags, kindArg string, fn func(ctx context.Context, a *app.App, repo *repository.Repository) error) error {
	kind, err := model.ParseKind(kindArg)
	if err != nil {
		return err
	}
	a, _, _, err := loadApp(g)
	if err != nil {
		return err
	}
	defer a.Close()

	repo, err := a.Repository(kind)
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()
	return fn(ctx, a, repo)
}

// resolveID parses the local id argument. For the profile the id may be
// omitted.
func resolveID(ctx context.Context, repo *repository.Repository, args []string) (int64, error) {
	if len(args) > 0 {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || id <= 0 {
			return 0, fmt.Errorf("invalid local id %q", args[0])
		}
		return id, nil
	}
	if model.SchemaFor(repo.Kind()).Singleton {
		recs, err := repo.List(ctx)
		if err != nil {
			return 0, err
		}
		if len(recs) == 0 {
			return 0, fmt.Errorf("%s not cached yet, run 'leafsync refresh %s' first", repo.Kind(), repo.Kind())
		}
		return recs[0].LocalID, nil
	}
	return 0, fmt.Errorf("a local id is required for %s", repo.Kind())
}

// afterWrite tells the user when the change will be pushed.
func afterWrite(w io.Writer, a *app.App) {
	if nudgeDaemon(a.DBPath()) {
		fmt.Fprintln(w, "  Daemon notified, syncing now.")
		return
	}
	fmt.Fprintln(w, "  Pending sync: run 'leafsync sync-once' or start 'leafsync daemon'.")
}

// --- list --------------------------------------------------------------------

func newListCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "list <kind>",
		Aliases: []string{"ls"},
		Short:   "List cached records (plants, observations, profile)",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(g, args[0], func(ctx context.Context, _ *app.App, repo *repository.Repository) error {
				recs, err := repo.List(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tREMOTE\tSTATE\tSUMMARY")
				for _, rec := range recs {
					remoteID := "-"
					if rec.HasRemoteID() {
						remoteID = strconv.FormatInt(rec.RemoteID, 10)
					}
					state := rec.SyncState.String()
					if rec.Rejected != "" {
						state += " (rejected)"
					}
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", rec.LocalID, remoteID, state, summary(repo.Kind(), rec))
				}
				return w.Flush()
			})
		},
	}
}

// summary is the one-line description of a record in listings.
func summary(kind model.Kind, rec *model.Record) string {
	switch kind {
	case model.KindPlant:
		p := model.PlantFromRecord(rec)
		return fmt.Sprintf("%s (%s), %s", p.CommonName, p.ScientificName, p.Habitat)
	case model.KindObservation:
		o := model.ObservationFromRecord(rec)
		s := fmt.Sprintf("%s %s at %s", o.Date, o.Time, o.Location)
		if o.RelatedPlantID != 0 {
			s += fmt.Sprintf(" (plant %d)", o.RelatedPlantID)
		}
		return s
	default:
		return model.UserProfileFromRecord(rec).DisplayName()
	}
}

// --- show --------------------------------------------------------------------

func newShowCmd(g *globalFlags) *cobra.Command {
	var cached bool
	cmd := &cobra.Command{
		Use:   "show <kind> [id]",
		Short: "Show one record as the server has it",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(g, args[0], func(ctx context.Context, _ *app.App, repo *repository.Repository) error {
				id, err := resolveID(ctx, repo, args[1:])
				if err != nil {
					return err
				}
				var rec *model.Record
				if cached {
					rec, err = repo.Cached(ctx, id)
				} else {
					rec, err = repo.Get(ctx, id)
				}
				if err != nil {
					return err
				}
				printRecord(cmd.OutOrStdout(), rec)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&cached, "cached", false, "show the local copy without contacting the server")
	return cmd
}

func printRecord(out io.Writer, rec *model.Record) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "local_id\t%d\n", rec.LocalID)
	if rec.HasRemoteID() {
		fmt.Fprintf(w, "remote_id\t%d\n", rec.RemoteID)
	}
	fmt.Fprintf(w, "state\t%s\n", rec.SyncState)
	for _, name := range sortedKeys(rec.Fields) {
		fmt.Fprintf(w, "%s\t%s\n", name, rec.Fields[name])
	}
	if rec.MediaRef != "" {
		fmt.Fprintf(w, "image\t%s\n", rec.MediaRef)
	}
	if rec.Rejected != "" {
		fmt.Fprintf(w, "rejected\t%s\n", rec.Rejected)
	}
	_ = w.Flush()
}

// --- add ---------------------------------------------------------------------

func newAddCmd(g *globalFlags) *cobra.Command {
	var f recordFlags
	cmd := &cobra.Command{
		Use:   "add <kind> --set name=value ...",
		Short: "Add a record locally; it is synced in the background",
		Example: `  leafsync add plant --set common_name=Rose --set scientific_name=Rosa --set habitat=Garden --image rose.jpg
  leafsync add observation --set date=2024-05-01 --set time=09:30:00 --set location=Riverside --set related_plant_id=42`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := parseSet(f.set)
			if err != nil {
				return err
			}
			image, err := imagePath(f.image)
			if err != nil {
				return err
			}
			return withRepo(g, args[0], func(ctx context.Context, a *app.App, repo *repository.Repository) error {
				rec, err := repo.Add(ctx, fields, image)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Added %s %d: %s\n", repo.Kind(), rec.LocalID, summary(repo.Kind(), rec))
				afterWrite(cmd.OutOrStdout(), a)
				return nil
			})
		},
	}
	f.register(cmd, false)
	return cmd
}

// --- edit --------------------------------------------------------------------

func newEditCmd(g *globalFlags) *cobra.Command {
	var f recordFlags
	cmd := &cobra.Command{
		Use:   "edit <kind> [id] --set name=value ...",
		Short: "Change a record locally; it is synced in the background",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			changes, err := parseSet(f.set)
			if err != nil {
				return err
			}
			image, err := imagePath(f.image)
			if err != nil {
				return err
			}
			if len(changes) == 0 && len(f.unset) == 0 && image == "" {
				return fmt.Errorf("nothing to change: use --set, --unset or --image")
			}
			return withRepo(g, args[0], func(ctx context.Context, a *app.App, repo *repository.Repository) error {
				id, err := resolveID(ctx, repo, args[1:])
				if err != nil {
					return err
				}
				current, err := repo.Cached(ctx, id)
				if err != nil {
					return err
				}

				fields := make(map[string]string)
				for _, fd := range model.SchemaFor(repo.Kind()).Editable() {
					if v := current.Field(fd.Name); v != "" {
						fields[fd.Name] = v
					}
				}
				for k, v := range changes {
					fields[k] = v
				}
				for _, k := range f.unset {
					delete(fields, k)
				}

				rec, err := repo.Update(ctx, id, fields, image)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Updated %s %d (%s)\n", repo.Kind(), rec.LocalID, rec.SyncState)
				afterWrite(cmd.OutOrStdout(), a)
				return nil
			})
		},
	}
	f.register(cmd, true)
	return cmd
}

// --- remove ------------------------------------------------------------------

func newRemoveCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <kind> <id>",
		Aliases: []string{"rm"},
		Short:   "Delete a record; the server copy is deleted in the background",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(g, args[0], func(ctx context.Context, a *app.App, repo *repository.Repository) error {
				id, err := resolveID(ctx, repo, args[1:])
				if err != nil {
					return err
				}
				if err := repo.Remove(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %s %d\n", repo.Kind(), id)
				afterWrite(cmd.OutOrStdout(), a)
				return nil
			})
		},
	}
}
