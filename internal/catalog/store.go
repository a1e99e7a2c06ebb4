package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store is a SQLite-backed product catalog. An empty path keeps the catalog
// in memory for the lifetime of the process.
type Store struct {
	db    *sql.DB
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the catalog database at path.
func Open(ctx context.Context, path string, log *slog.Logger) (*Store, error) {
	dsn := "file::memory:"
	if path != "" {
		dir := filepath.Dir(path)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if path == "" {
		// every pooled connection to :memory: would otherwise see its own database
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS products (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    price REAL NOT NULL,
    description TEXT,
    image TEXT,
    tags TEXT,
    search_text TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS product_sizes (
    product_id TEXT NOT NULL,
    label TEXT NOT NULL,
    price REAL NOT NULL DEFAULT 0,
    PRIMARY KEY(product_id, label),
    FOREIGN KEY(product_id) REFERENCES products(id) ON DELETE CASCADE
);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init catalog schema: %w", err)
	}
	return nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Replace swaps the whole catalog for products in one transaction.
func (s *Store) Replace(ctx context.Context, products []Product) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM product_sizes`); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM products`); err != nil {
		return err
	}
	now := s.clock().UTC()
	for _, p := range products {
		var tags []byte
		tags, err = json.Marshal(p.Tags)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO products(id, name, price, description, image, tags, search_text, updated_at)
			 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.Name, p.Price, p.Description, p.Image, string(tags), searchText(p), now)
		if err != nil {
			return fmt.Errorf("insert product %s: %w", p.ID, err)
		}
		for label, opt := range p.Sizes {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO product_sizes(product_id, label, price) VALUES(?, ?, ?)`,
				p.ID, label, opt.Price)
			if err != nil {
				return fmt.Errorf("insert size %s/%s: %w", p.ID, label, err)
			}
		}
	}
	err = tx.Commit()
	if err == nil {
		s.log.Info("catalog replaced", slog.Int("products", len(products)))
	}
	return err
}

// GetProduct looks up a product by ID.
func (s *Store) GetProduct(ctx context.Context, id string) (Product, bool, error) {
	products, err := s.query(ctx, `WHERE id = ?`, id)
	if err != nil {
		return Product{}, false, err
	}
	if len(products) == 0 {
		return Product{}, false, nil
	}
	return products[0], true, nil
}

// SearchByKeyword returns products whose name, description or tags contain
// keyword, compared case-insensitively.
func (s *Store) SearchByKeyword(ctx context.Context, keyword string) ([]Product, error) {
	keyword = strings.ToLower(strings.TrimSpace(keyword))
	if keyword == "" {
		return nil, nil
	}
	return s.query(ctx, `WHERE instr(search_text, ?) > 0`, keyword)
}

// List returns every product ordered by ID.
func (s *Store) List(ctx context.Context) ([]Product, error) {
	return s.query(ctx, "")
}

func (s *Store) query(ctx context.Context, where string, args ...any) ([]Product, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, price, description, image, tags FROM products `+where+` ORDER BY id ASC`, args...)
	if err != nil {
		return nil, err
	}
	var products []Product
	for rows.Next() {
		var (
			p         Product
			desc, img sql.NullString
			tags      sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.Name, &p.Price, &desc, &img, &tags); err != nil {
			rows.Close()
			return nil, err
		}
		p.Description = desc.String
		p.Image = img.String
		if tags.Valid && tags.String != "" && tags.String != "null" {
			if err := json.Unmarshal([]byte(tags.String), &p.Tags); err != nil {
				rows.Close()
				return nil, fmt.Errorf("decode tags for %s: %w", p.ID, err)
			}
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range products {
		sizes, err := s.sizes(ctx, products[i].ID)
		if err != nil {
			return nil, err
		}
		products[i].Sizes = sizes
	}
	return products, nil
}

func (s *Store) sizes(ctx context.Context, productID string) (map[string]SizeOption, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT label, price FROM product_sizes WHERE product_id = ?`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sizes map[string]SizeOption
	for rows.Next() {
		var label string
		var opt SizeOption
		if err := rows.Scan(&label, &opt.Price); err != nil {
			return nil, err
		}
		if sizes == nil {
			sizes = make(map[string]SizeOption)
		}
		sizes[label] = opt
	}
	return sizes, rows.Err()
}

func searchText(p Product) string {
	return strings.ToLower(p.ID + " " + p.Name + " " + p.Description + " " + strings.Join(p.Tags, " "))
}
