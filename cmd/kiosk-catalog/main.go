package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/loqalabs/loqa-kiosk/internal/catalog"
	"github.com/loqalabs/loqa-kiosk/internal/config"
)

var version = "0.1.0-dev"

type options struct {
	configPath string
	specDir    string
	imageDir   string
	dbPath     string
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'validate', 'import', 'list' or 'version'")
		os.Exit(2)
	}

	var opts options
	fs := flag.NewFlagSet(os.Args[1], flag.ExitOnError)
	fs.StringVar(&opts.configPath, "config", "", "Path to configuration file")
	fs.StringVar(&opts.specDir, "specs", "", "Product spec directory (overrides config)")
	fs.StringVar(&opts.imageDir, "images", "", "Product image directory (overrides config)")
	fs.StringVar(&opts.dbPath, "db", "", "Catalog database path (overrides config)")

	var err error
	switch os.Args[1] {
	case "validate":
		fs.Parse(os.Args[2:])
		err = runValidate(os.Stdout, opts)
	case "import":
		fs.Parse(os.Args[2:])
		err = runImport(context.Background(), os.Stdout, opts)
	case "list":
		fs.Parse(os.Args[2:])
		err = runList(context.Background(), os.Stdout, opts)
	case "version":
		fmt.Println(version)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func resolve(opts options) (config.CatalogConfig, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return config.CatalogConfig{}, err
		}
		cfg = loaded
	}
	c := cfg.Catalog
	if opts.specDir != "" {
		c.SpecDir = opts.specDir
	}
	if opts.imageDir != "" {
		c.ImageDir = opts.imageDir
	}
	if opts.dbPath != "" {
		c.DBPath = opts.dbPath
	}
	return c, nil
}

func runValidate(w io.Writer, opts options) error {
	c, err := resolve(opts)
	if err != nil {
		return err
	}
	products, skipped, err := catalog.LoadSpecDir(c.SpecDir, c.ImageDir)
	if err != nil {
		return err
	}
	for _, s := range skipped {
		fmt.Fprintf(w, "skipped %s (%s): %s\n", s.ID, s.File, s.Reason)
	}
	if len(products) == 0 {
		return errors.New("catalog has no usable products")
	}
	fmt.Fprintf(w, "catalog valid: %d products, %d skipped\n", len(products), len(skipped))
	return nil
}

func runImport(ctx context.Context, w io.Writer, opts options) error {
	c, err := resolve(opts)
	if err != nil {
		return err
	}
	if c.DBPath == "" {
		return errors.New("a database path is required to import")
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	store, err := catalog.Open(ctx, c.DBPath, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	count, err := catalog.Sync(ctx, store, c.SpecDir, c.ImageDir, logger)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "imported %d products into %s\n", count, c.DBPath)
	return nil
}

func runList(ctx context.Context, w io.Writer, opts options) error {
	c, err := resolve(opts)
	if err != nil {
		return err
	}
	if c.DBPath == "" {
		return errors.New("a database path is required to list")
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	store, err := catalog.Open(ctx, c.DBPath, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	products, err := store.List(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPRICE\tSIZES\tIMAGE")
	for _, p := range products {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", p.ID, p.PriceText(), len(p.Sizes), p.Image)
	}
	return tw.Flush()
}
