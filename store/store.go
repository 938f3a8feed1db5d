package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"henrycloud/device"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound     = errors.New("binding not found")
	ErrAlreadyBound = errors.New("device already bound to this user")
)

const schema = `
CREATE TABLE IF NOT EXISTS vinculos (
	user_id TEXT NOT NULL,
	relogio_ns TEXT NOT NULL,
	relogio_ip TEXT NOT NULL DEFAULT '',
	user_relogio TEXT NOT NULL DEFAULT '',
	pass_relogio TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (user_id, relogio_ns)
);
`

// Store keeps the user to device bindings.
type Store struct {
	db     *sql.DB
	sealer *sealer
}

// Open creates the database if needed. When secretKey is set device
// passwords are encrypted at rest.
func Open(path string, secretKey []byte) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// sqlite only allows a single writer
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	s := &Store{db: db}
	if len(secretKey) > 0 {
		s.sealer, err = newSealer(secretKey)
		if err != nil {
			db.Close()
			return nil, err
		}
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) password(b device.Binding) (string, error) {
	if s.sealer == nil || b.Credentials.Password == "" {
		return b.Credentials.Password, nil
	}

	return s.sealer.seal(b.Credentials.Password)
}

// Bind inserts or replaces a binding.
func (s *Store) Bind(ctx context.Context, b device.Binding) error {
	password, err := s.password(b)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO vinculos (user_id, relogio_ns, relogio_ip, user_relogio, pass_relogio) VALUES (?, ?, ?, ?, ?)",
		b.UserID, string(b.Serial), b.IP, b.Credentials.User, password)

	return err
}

// Register inserts a binding, failing when it already exists.
func (s *Store) Register(ctx context.Context, b device.Binding) error {
	password, err := s.password(b)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, "SELECT 1 FROM vinculos WHERE user_id = ? AND relogio_ns = ?", b.UserID, string(b.Serial)).Scan(&exists)
	if err == nil {
		return ErrAlreadyBound
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO vinculos (user_id, relogio_ns, relogio_ip, user_relogio, pass_relogio) VALUES (?, ?, ?, ?, ?)",
		b.UserID, string(b.Serial), b.IP, b.Credentials.User, password)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (s *Store) Unbind(ctx context.Context, userID string, serial device.Serial) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM vinculos WHERE user_id = ? AND relogio_ns = ?", userID, string(serial))
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) scan(row scanner) (device.Binding, error) {
	var b device.Binding
	var serial, password string
	if err := row.Scan(&b.UserID, &serial, &b.IP, &b.Credentials.User, &password); err != nil {
		return device.Binding{}, err
	}
	b.Serial = device.Serial(serial)

	if s.sealer != nil {
		var err error
		password, err = s.sealer.open(password)
		if err != nil {
			return device.Binding{}, fmt.Errorf("device %s: %w", serial, err)
		}
	}
	b.Credentials.Password = password

	return b, nil
}

func (s *Store) Get(ctx context.Context, userID string, serial device.Serial) (device.Binding, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT user_id, relogio_ns, relogio_ip, user_relogio, pass_relogio FROM vinculos WHERE user_id = ? AND relogio_ns = ?",
		userID, string(serial))

	b, err := s.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return device.Binding{}, ErrNotFound
	}

	return b, err
}

func (s *Store) IsBound(ctx context.Context, userID string, serial device.Serial) (bool, error) {
	_, err := s.Get(ctx, userID, serial)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}

	return err == nil, err
}

func (s *Store) List(ctx context.Context, userID string) ([]device.Binding, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT user_id, relogio_ns, relogio_ip, user_relogio, pass_relogio FROM vinculos WHERE user_id = ? ORDER BY relogio_ns",
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	bindings := []device.Binding{}
	for rows.Next() {
		b, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		bindings = append(bindings, b)
	}

	return bindings, rows.Err()
}

// Users returns who has a device bound at ip.
func (s *Store) Users(ctx context.Context, ip string) ([]string, error) {
	if ip == "" {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT user_id FROM vinculos WHERE relogio_ip = ? ORDER BY user_id", ip)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		users = append(users, id)
	}

	return users, rows.Err()
}
