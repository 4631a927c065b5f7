// Command kiply-data runs one-off data fixes against the storefront data store.
// The data store is taken from the gateway config file and KIPLY_DATASTORE_* variables.
//
//	kiply-data search freidora
//	kiply-data list --limit 20
//	kiply-data set-description 7 "Nueva descripción"
//	kiply-data --config kiply.yaml list
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"text/tabwriter"

	"github.com/kiply/asset-cache/config"
	"github.com/kiply/asset-cache/datastore"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var errNoDataStore = errors.New("no data store url, set dataStore.url or KIPLY_DATASTORE_URL")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	var verbose bool
	var configFile string
	var client *datastore.Client

	root := &cobra.Command{
		Use:          "kiply-data",
		Short:        "Query and fix storefront catalog data",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := zerolog.InfoLevel
			if verbose {
				level = zerolog.DebugLevel
			}
			log := zerolog.New(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr()}).Level(level).With().Timestamp().Logger()

			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.DataStore.URL == "" {
				return errNoDataStore
			}
			c, err := datastore.New(cfg.DataStore.URL, cfg.DataStore.Key, datastore.WithLogger(log))
			if err != nil {
				return err
			}
			client = c
			return nil
		},
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&configFile, "config", "", "Gateway YAML config file with the data store")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log data store requests")

	var searchLimit int
	search := &cobra.Command{
		Use:   "search <term>",
		Short: "Find products by name or description, ignoring case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			products, err := client.SearchProducts(cmd.Context(), args[0], searchLimit)
			if err != nil {
				return err
			}
			return printProducts(cmd.OutOrStdout(), products)
		},
	}
	search.Flags().IntVar(&searchLimit, "limit", 50, "Maximum number of products")

	var listLimit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List products",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			products, err := client.ListProducts(cmd.Context(), listLimit)
			if err != nil {
				return err
			}
			return printProducts(cmd.OutOrStdout(), products)
		},
	}
	list.Flags().IntVar(&listLimit, "limit", 20, "Maximum number of products")

	setDescription := &cobra.Command{
		Use:   "set-description <id> <text>",
		Short: "Replace the description of a product",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid product id %q", args[0])
			}
			product, err := client.SetDescription(cmd.Context(), id, args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Updated product %d (%s)\n", product.ID, product.Name)
			return nil
		},
	}

	root.AddCommand(search, list, setDescription)
	return root
}

func printProducts(out io.Writer, products []datastore.Product) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tPRICE\tSTOCK\tDESCRIPTION")
	for _, p := range products {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\n", p.ID, p.Name, p.Price.StringFixed(2), p.Stock, p.Description)
	}
	return tw.Flush()
}
