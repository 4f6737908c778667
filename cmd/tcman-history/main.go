// Command tcman-history lists recorded runs from the local history store
// and, given a run ID, the per-case outcomes of that run.
package main

import (
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/rtx"

	"github.com/juno-kyojin/tcman/internal/persistence"
)

var (
	flagDataDir = flag.String("datadir", "./data", "Directory of the run history store")
	flagLimit   = flag.Int("limit", 20, "Maximum number of runs to list")
	flagRun     = flag.String("run", "", "Show the outcomes of a single run ID")
)

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "could not get args from env")

	store, err := persistence.OpenBadger(*flagDataDir)
	rtx.Must(err, "could not open history store")
	defer store.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	defer w.Flush()

	if *flagRun != "" {
		outcomes, err := store.Outcomes(*flagRun)
		rtx.Must(err, "could not read outcomes")
		fmt.Fprintln(w, "SERVICE\tACTION\tSTATUS\tTIME\tDETAILS")
		for _, o := range outcomes {
			fmt.Fprintf(w, "%s\t%s\t%s\t%.2fs\t%s\n",
				o.Service, o.Action, o.Status, o.ExecutionTime, o.Details)
		}
		return
	}

	runs, err := store.RecentRuns(*flagLimit)
	rtx.Must(err, "could not read run history")
	fmt.Fprintln(w, "TIME\tFILE\tSTATUS\tRESULT\tWAN\tLAN\tTARGET\tID")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\t%v\t%s@%s\t%s\n",
			r.Timestamp.Format("2006-01-02 15:04:05"), r.FileName, r.SendStatus,
			r.OverallResult, r.AffectsWAN, r.AffectsLAN, r.TargetUser, r.TargetHost, r.ID)
	}
}
