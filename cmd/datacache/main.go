// Command datacache inspects and maintains the local resource cache from the
// command line, sharing the database file with a running api-datagateway.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/candata/api-datagateway/internal/pkg/application/services/resolver"
	"github.com/candata/api-datagateway/internal/pkg/application/services/retrieval"
	"github.com/candata/api-datagateway/internal/pkg/application/services/staleness"
	"github.com/candata/api-datagateway/internal/pkg/infrastructure/portals"
	"github.com/candata/api-datagateway/internal/pkg/infrastructure/repositories/cache"
	"github.com/diwise/service-chassis/pkg/infrastructure/buildinfo"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
)

const usage = `usage: datacache [-db <path>] <command> [args]

commands:
  list                 list cached resources with staleness
  stats                aggregate cache statistics
  query <sql>          run a read-only query against the cached tables
  remove <resource-id> evict one resource
  clear                evict everything
  refresh [id]         re-download one resource, or everything stale
`

func main() {
	ctx, log, cleanup := o11y.Init(context.Background(), "datacache", buildinfo.SourceVersion())
	defer cleanup()

	dbPath := flag.String("db", "", "path to the cache database file")
	portalsFile := flag.String("portals", "", "YAML portal registry (built-in defaults when omitted)")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	mgr, err := cache.New(*dbPath)
	if err != nil {
		log.Fatal().Msgf("failed to open cache database: %s", err.Error())
	}
	defer mgr.Close()

	if err := mgr.Initialize(ctx); err != nil {
		log.Fatal().Msgf("failed to initialize cache database: %s", err.Error())
	}

	switch args[0] {
	case "list":
		err = listCmd(ctx, mgr)
	case "stats":
		err = statsCmd(ctx, mgr)
	case "query":
		err = queryCmd(ctx, mgr, args[1:])
	case "remove":
		err = removeCmd(ctx, mgr, args[1:])
	case "clear":
		err = clearCmd(ctx, mgr)
	case "refresh":
		err = refreshCmd(ctx, mgr, *portalsFile, args[1:])
	default:
		flag.Usage()
		os.Exit(2)
	}

	if err != nil {
		log.Fatal().Msgf("%s failed: %s", args[0], err.Error())
	}
}

func listCmd(ctx context.Context, mgr *cache.Manager) error {
	entries, err := mgr.ListCached(ctx)
	if err != nil {
		return err
	}

	if len(entries) == 0 {
		fmt.Println("cache is empty")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RESOURCE\tTABLE\tROWS\tBYTES\tDOWNLOADED\tSTALE")

	for _, entry := range entries {
		stale := "-"
		if info, err := staleness.GetInfo(ctx, mgr, entry.ResourceID); err == nil && info != nil {
			stale = fmt.Sprintf("%t", info.IsStale)
		}

		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
			entry.ResourceID, entry.TableName, entry.RowCount, entry.SizeBytes,
			entry.DownloadedAt.Format("2006-01-02 15:04"), stale)
	}

	return w.Flush()
}

func statsCmd(ctx context.Context, mgr *cache.Manager) error {
	stats, err := mgr.Stats(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("database: %s\n", mgr.DBPath())
	fmt.Printf("tables:   %d\n", stats.TableCount)
	fmt.Printf("rows:     %d\n", stats.TotalRows)
	fmt.Printf("bytes:    %d\n", stats.TotalSizeBytes)
	fmt.Printf("spatial:  %t\n", mgr.HasSpatial())
	return nil
}

func queryCmd(ctx context.Context, mgr *cache.Manager, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("query expects exactly one SQL argument")
	}

	rows, err := mgr.Query(ctx, args[0])
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(rows)
}

func removeCmd(ctx context.Context, mgr *cache.Manager, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("remove expects exactly one resource id")
	}

	if err := mgr.RemoveResource(ctx, args[0]); err != nil {
		return err
	}

	fmt.Printf("removed %s\n", args[0])
	return nil
}

func clearCmd(ctx context.Context, mgr *cache.Manager) error {
	if err := mgr.RemoveAll(ctx); err != nil {
		return err
	}

	fmt.Println("cache cleared")
	return nil
}

func refreshCmd(ctx context.Context, mgr *cache.Manager, portalsFile string, args []string) error {
	registry, err := portals.Load(portalsFile)
	if err != nil {
		return err
	}

	svc := retrieval.New(resolver.New(registry), mgr)

	if len(args) == 1 {
		result, err := svc.Refresh(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("refreshed %s (%d rows)\n", result.ResourceID, result.RowCount)
		return nil
	}

	results, errs := svc.RefreshStale(ctx)
	for _, result := range results {
		fmt.Printf("refreshed %s (%d rows)\n", result.ResourceID, result.RowCount)
	}
	for _, err := range errs {
		fmt.Fprintf(os.Stderr, "error: %s\n", err.Error())
	}

	if len(results) == 0 && len(errs) == 0 {
		fmt.Println("nothing is stale")
	}
	return nil
}
