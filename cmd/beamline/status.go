package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mqilab/beamline/internal/database"
	"github.com/mqilab/beamline/internal/model"
	"github.com/mqilab/beamline/internal/repository"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show case, beam and GPU status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			db, err := database.Open(cfg.Database.Path, cfg.Database.BusyTimeoutMS)
			if err != nil {
				return err
			}
			defer database.Shutdown(db)
			if err := database.Migrate(db); err != nil {
				return err
			}

			cases := repository.NewCaseRepository(db)
			beams := repository.NewBeamRepository(db)
			resources := repository.NewResourceRepository(db)

			caseCounts, err := cases.CountByStatus()
			if err != nil {
				return err
			}
			beamCounts, err := beams.CountByStatus()
			if err != nil {
				return err
			}
			gpus, err := resources.List()
			if err != nil {
				return err
			}
			list, err := cases.List()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CASES")
			printCounts(w, caseCounts)
			fmt.Fprintln(w, "\nBEAMS")
			printCounts(w, beamCounts)

			fmt.Fprintln(w, "\nGPUS")
			for _, g := range gpus {
				beam := "-"
				if g.AssignedBeamID != nil {
					beam = *g.AssignedBeamID
				}
				fmt.Fprintf(w, "  %s\t%s\t%s\t%d/%d MiB free\t%s\n",
					g.ID, g.Name, g.Status, g.MemoryFreeMB, g.MemoryTotalMB, beam)
			}

			fmt.Fprintln(w, "\nRECENT CASES")
			for _, c := range list {
				detail := ""
				if c.Status == model.CaseFailed {
					detail = c.ErrorMessage
				}
				fmt.Fprintf(w, "  %s\t%s\t%s\n", c.ID, c.Status, detail)
			}
			return w.Flush()
		},
	}
}

func printCounts[S ~string](w *tabwriter.Writer, counts map[S]int64) {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %s\t%d\n", k, counts[S(k)])
	}
}
