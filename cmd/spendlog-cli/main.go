package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"

	"spendlog/internal/client"
	"spendlog/internal/config"
)

const usage = `Usage: spendlog <command> [options]

Commands:
  add      Record a new expense
  list     List recorded expenses
  summary  Show a monthly summary grouped by category
  delete   Delete an expense by id
  pending  Show the locally saved unconfirmed submission, if any

Environment:
  SPENDLOG_SERVER_URL  Server base URL (default http://localhost:8081)
  SPENDLOG_TOKEN       API token (required)
  SPENDLOG_STATE_DIR   Directory for local state
`

func main() {
	// Load .env file for local development (ignore errors in production)
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(1)
	}
	if cfg.ClientToken == "" {
		fmt.Fprintln(os.Stderr, "SPENDLOG_TOKEN is required")
		os.Exit(1)
	}

	api := client.NewAPIClient(cfg.ServerURL, cfg.ClientToken, cfg.RequestTimeout)
	owner := client.AccountScope(cfg.ServerURL, cfg.ClientToken)
	pending := client.NewPendingStore(cfg.StateDir)
	transport := client.RetryingTransport{
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  cfg.RetryBaseDelay,
	}
	coord := client.NewCoordinator(api, pending, owner, transport)

	ctx := context.Background()

	var err error
	switch os.Args[1] {
	case "add":
		err = runAdd(ctx, coord, os.Args[2:])
	case "list":
		err = runList(ctx, api, os.Args[2:])
	case "summary":
		err = runSummary(ctx, api, os.Args[2:])
	case "delete":
		err = runDelete(ctx, api, os.Args[2:])
	case "pending":
		err = runPending(ctx, coord)
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// replayPending resubmits a leftover submission from a previous run.
// A failed replay keeps the slot and blocks new writes so the user
// never double-records an expense by accident.
func replayPending(ctx context.Context, coord *client.Coordinator) error {
	if !coord.HasPending() {
		return nil
	}
	fmt.Println("Found an unconfirmed expense from a previous run, retrying...")
	res, err := coord.ReplayPending(ctx)
	if err != nil {
		return fmt.Errorf("could not confirm the previous expense: %w", err)
	}
	if res != nil {
		fmt.Printf("Previous expense confirmed (%s): #%d %s %s %s\n",
			res.Outcome, res.Expense.ID, res.Expense.Date, res.Expense.Amount, res.Expense.Description)
	}
	return nil
}

func runAdd(ctx context.Context, coord *client.Coordinator, args []string) error {
	fs := flag.NewFlagSet("add", flag.ExitOnError)
	amount := fs.String("amount", "", "Amount, e.g. 12.50 (required)")
	category := fs.String("category", "", "Category (required)")
	description := fs.String("description", "", "Description (required)")
	date := fs.String("date", time.Now().Format("2006-01-02"), "Date as YYYY-MM-DD")
	fs.Parse(args)

	if *amount == "" || *category == "" || *description == "" {
		fs.Usage()
		return errors.New("amount, category and description are required")
	}

	if err := replayPending(ctx, coord); err != nil {
		return err
	}

	res, err := coord.Submit(ctx, client.Draft{
		Amount:      *amount,
		Category:    *category,
		Description: *description,
		Date:        *date,
	})
	if err != nil {
		if coord.HasPending() {
			fmt.Fprintln(os.Stderr, "The expense was saved locally and will be retried on the next run.")
		}
		return err
	}

	switch res.Outcome {
	case "created":
		fmt.Printf("Recorded expense #%d: %s %s %s (%s)\n",
			res.Expense.ID, res.Expense.Date, res.Expense.Amount, res.Expense.Description, res.Expense.Category)
	case "existing":
		fmt.Printf("Expense already recorded as #%d, nothing to do\n", res.Expense.ID)
	}
	return nil
}

func runList(ctx context.Context, api *client.APIClient, args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	category := fs.String("category", "", "Filter by category")
	from := fs.String("from", "", "Start date as YYYY-MM-DD")
	to := fs.String("to", "", "End date as YYYY-MM-DD")
	sortBy := fs.String("sort", "date", "Sort field: date, amount or created")
	order := fs.String("order", "desc", "Sort order: asc or desc")
	fs.Parse(args)

	expenses, err := api.ListExpenses(ctx, client.ListQuery{
		Category: *category,
		From:     *from,
		To:       *to,
		SortBy:   *sortBy,
		Order:    *order,
	})
	if err != nil {
		return err
	}
	if len(expenses) == 0 {
		fmt.Println("No expenses found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tDATE\tAMOUNT\tCATEGORY\tDESCRIPTION")
	for _, e := range expenses {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", e.ID, e.Date, e.Amount, e.Category, e.Description)
	}
	return w.Flush()
}

func runSummary(ctx context.Context, api *client.APIClient, args []string) error {
	now := time.Now()
	fs := flag.NewFlagSet("summary", flag.ExitOnError)
	year := fs.Int("year", now.Year(), "Year")
	month := fs.Int("month", int(now.Month()), "Month (1-12)")
	fs.Parse(args)

	summary, err := api.MonthSummary(ctx, *year, *month)
	if err != nil {
		return err
	}

	fmt.Printf("Summary for %04d-%02d\n", *year, *month)
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, c := range summary.ByCategory {
		fmt.Fprintf(w, "%s\t%s\n", c.Category, c.Total)
	}
	fmt.Fprintf(w, "TOTAL\t%s\n", summary.Total)
	return w.Flush()
}

func runDelete(ctx context.Context, api *client.APIClient, args []string) error {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	id := fs.Int64("id", 0, "Expense id (required)")
	fs.Parse(args)

	if *id == 0 {
		fs.Usage()
		return errors.New("id is required")
	}

	res, err := api.DeleteExpense(ctx, *id)
	if err != nil {
		return err
	}
	switch res.Outcome {
	case "deleted":
		fmt.Printf("Deleted expense #%d\n", *id)
	default:
		fmt.Printf("Expense #%d not found, nothing to do\n", *id)
	}
	return nil
}

func runPending(ctx context.Context, coord *client.Coordinator) error {
	if !coord.HasPending() {
		fmt.Println("No unconfirmed submission")
		return nil
	}
	return replayPending(ctx, coord)
}
