// admin is the operator CLI for the Administration Store and Metadata &
// Credentials Store: user/budget management, dataset catalog edits, and
// archive inspection, replacing ad-hoc SQL against either store.
//
// Run: go run ./cmd/admin <command> [args...]
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/privacytap/dpquery/config"
	"github.com/privacytap/dpquery/internal/catalog"
	"github.com/privacytap/dpquery/internal/domain"
	"github.com/privacytap/dpquery/internal/infrastructure/postgres"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx := context.Background()
	secrets, err := config.LoadSecrets()
	if err != nil {
		log.Fatalf("secrets: %v", err)
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	pool, err := postgres.NewPool(ctx, secrets.AdminDatabaseDSN)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer pool.Close()
	admin := postgres.NewAdminStore(pool)

	cat := catalog.New(cfg.CatalogPath)
	if err := cat.Load(ctx); err != nil {
		log.Fatalf("catalog: %v", err)
	}

	args := os.Args[2:]
	var runErr error
	switch os.Args[1] {
	case "user-create":
		runErr = userCreate(ctx, admin, args)
	case "user-set-may-query":
		runErr = userSetMayQuery(ctx, admin, args)
	case "budget-set":
		runErr = budgetSet(ctx, admin, args)
	case "budget-show":
		runErr = budgetShow(ctx, admin, args)
	case "dataset-create":
		runErr = datasetCreate(ctx, cat, args)
	case "dataset-drop":
		runErr = datasetDrop(ctx, cat, args)
	case "dataset-list":
		runErr = datasetList(ctx, cat)
	case "bulk-load":
		runErr = bulkLoad(ctx, cat, args)
	case "archives":
		runErr = archives(ctx, admin, args)
	default:
		usage()
		os.Exit(1)
	}
	if runErr != nil {
		log.Fatalf("%s: %v", os.Args[1], runErr)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: admin <command> [args...]

commands:
  user-create <user_id> [may_query=true|false]
  user-set-may-query <user_id> <true|false>
  budget-set <user_id> <dataset> <epsilon> <delta>
  budget-show <user_id> <dataset>
  dataset-create <name> <connector_kind> <location>
  dataset-drop <name>
  dataset-list
  bulk-load <path-to-yaml>
  archives <user_id> [dataset]`)
}

func userCreate(ctx context.Context, admin *postgres.AdminStore, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("need <user_id>")
	}
	mayQuery := true
	if len(args) > 1 {
		v, err := strconv.ParseBool(args[1])
		if err != nil {
			return fmt.Errorf("parse may_query: %w", err)
		}
		mayQuery = v
	}
	return admin.UpsertUser(ctx, domain.User{UserID: args[0], MayQuery: mayQuery})
}

func userSetMayQuery(ctx context.Context, admin *postgres.AdminStore, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("need <user_id> <true|false>")
	}
	v, err := strconv.ParseBool(args[1])
	if err != nil {
		return fmt.Errorf("parse bool: %w", err)
	}
	u, err := admin.GetUser(ctx, args[0])
	if err != nil {
		return err
	}
	u.MayQuery = v
	return admin.UpsertUser(ctx, u)
}

func budgetSet(ctx context.Context, admin *postgres.AdminStore, args []string) error {
	if len(args) != 4 {
		return fmt.Errorf("need <user_id> <dataset> <epsilon> <delta>")
	}
	epsilon, err := strconv.ParseFloat(args[2], 64)
	if err != nil {
		return fmt.Errorf("parse epsilon: %w", err)
	}
	delta, err := strconv.ParseFloat(args[3], 64)
	if err != nil {
		return fmt.Errorf("parse delta: %w", err)
	}
	return admin.SetBudget(ctx, domain.BudgetEntry{
		UserID:         args[0],
		DatasetName:    args[1],
		InitialEpsilon: epsilon,
		InitialDelta:   delta,
	})
}

func budgetShow(ctx context.Context, admin *postgres.AdminStore, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("need <user_id> <dataset>")
	}
	b, err := admin.GetBudget(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	remEpsilon, remDelta := b.Remaining()
	fmt.Printf("user=%s dataset=%s initial_epsilon=%.4f spent_epsilon=%.4f remaining_epsilon=%.4f initial_delta=%.6f spent_delta=%.6f remaining_delta=%.6f version=%d\n",
		b.UserID, b.DatasetName, b.InitialEpsilon, b.SpentEpsilon, remEpsilon, b.InitialDelta, b.SpentDelta, remDelta, b.Version)
	return nil
}

func datasetCreate(ctx context.Context, cat *catalog.Catalog, args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("need <name> <connector_kind> <location>")
	}
	kind := domain.ConnectorKind(args[1])
	switch kind {
	case domain.ConnectorPath, domain.ConnectorS3, domain.ConnectorInMemory:
	default:
		return fmt.Errorf("unknown connector kind %q", args[1])
	}
	return cat.CreateDataset(ctx, domain.Dataset{
		Name:          args[0],
		ConnectorKind: kind,
		Location:      args[2],
	})
}

func datasetDrop(ctx context.Context, cat *catalog.Catalog, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("need <name>")
	}
	return cat.DropDataset(ctx, args[0])
}

func datasetList(ctx context.Context, cat *catalog.Catalog) error {
	datasets, err := cat.ListDatasets(ctx)
	if err != nil {
		return err
	}
	for _, d := range datasets {
		fmt.Printf("%s\tkind=%s\tlocation=%s\tcolumns=%d\n", d.Name, d.ConnectorKind, d.Location, len(d.Metadata.Columns))
	}
	return nil
}

func bulkLoad(ctx context.Context, cat *catalog.Catalog, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("need <path-to-yaml>")
	}
	doc, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read %s: %w", args[0], err)
	}
	n, err := cat.BulkLoad(ctx, doc)
	if err != nil {
		return err
	}
	fmt.Printf("loaded %d datasets\n", n)
	return nil
}

func archives(ctx context.Context, admin *postgres.AdminStore, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("need <user_id> [dataset]")
	}
	dataset := ""
	if len(args) > 1 {
		dataset = args[1]
	}
	entries, err := admin.ListArchives(ctx, args[0], dataset)
	if err != nil {
		return err
	}
	for _, a := range entries {
		fmt.Printf("%s\t%s\t%s\t%s\tepsilon=%.4f\tdelta=%.6f\n", a.JobID, a.UserID, a.DatasetName, a.Status, a.MeasuredEpsilon, a.MeasuredDelta)
	}
	return nil
}
