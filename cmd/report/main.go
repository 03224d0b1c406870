// Command report summarizes a segment's archived events and tracks from the
// engine's SQLite database.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/banshee-data/traffic.report/internal/highway"
	"github.com/banshee-data/traffic.report/internal/storage/sqlite"
	"github.com/banshee-data/traffic.report/internal/units"
)

var (
	dbFile  = flag.String("db", "traffic_data.db", "SQLite database file")
	segment = flag.String("segment", "", "Segment id to report on")
	since   = flag.Duration("since", 24*time.Hour, "Reporting window ending now")
	events  = flag.Int("events", 20, "Number of recent events to list")
)

func main() {
	flag.Parse()
	if *segment == "" {
		flag.Usage()
		os.Exit(2)
	}

	db, err := sqlite.NewDB(*dbFile)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	eventStore := sqlite.NewEventStore(db)
	archive := sqlite.NewTrackArchive(db)
	end := time.Now()
	start := end.Add(-*since)

	counts, err := eventStore.CountsByType(*segment)
	if err != nil {
		log.Fatalf("event counts: %v", err)
	}
	fmt.Printf("segment %s, window %s\n\n", *segment, since)
	fmt.Println("events by type (all time):")
	for _, typ := range highway.AllEventTypes {
		if counts[typ] > 0 {
			fmt.Printf("  %-18s %d\n", typ, counts[typ])
		}
	}
	if len(counts) == 0 {
		fmt.Println("  none")
	}

	recent, err := eventStore.EventsInRange(*segment, start, end, *events)
	if err != nil {
		log.Fatalf("recent events: %v", err)
	}
	fmt.Printf("\nevents in window (%d):\n", len(recent))
	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "  TIME\tTYPE\tTRACK\tLANE\tDIST\tSPEED\tCONF")
	for _, ev := range recent {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%d\t%.0fm\t%.1fm/s\t%.2f\n",
			ev.Timestamp.Format("15:04:05"), ev.Type, ev.TrackID,
			ev.Lane, ev.RoadDist, ev.SpeedMps, ev.Confidence)
	}
	w.Flush()

	speeds, err := archive.MeanSpeedByLane(*segment, start, end)
	if err != nil {
		log.Fatalf("lane speeds: %v", err)
	}
	fmt.Println("\nmean archived speed by lane:")
	lanes := make([]int, 0, len(speeds))
	for lane := range speeds {
		lanes = append(lanes, lane)
	}
	sort.Ints(lanes)
	for _, lane := range lanes {
		fmt.Printf("  lane %d: %.1f m/s (%.0f km/h)\n",
			lane, speeds[lane], units.ConvertSpeed(speeds[lane], units.KPH))
	}
	if len(lanes) == 0 {
		fmt.Println("  no archived tracks in window")
	}
}
