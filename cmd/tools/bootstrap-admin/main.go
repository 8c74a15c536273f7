// Command bootstrap-admin seeds or promotes an administrator account in the
// datastore. The credential is supplied as the sha256 digest clients send,
// never as a plaintext password.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"bbj/internal/models"
	"bbj/internal/storage"
)

func main() {
	var (
		dataPath   string
		sqlitePath string
		dsn        string
		name       string
		authHash   string
	)

	flag.StringVar(&dataPath, "data", "", "path to the memory-driver persistence file")
	flag.StringVar(&sqlitePath, "sqlite-path", "", "path to the sqlite database file")
	flag.StringVar(&dsn, "postgres-dsn", "", "Postgres connection string")
	flag.StringVar(&name, "name", "", "username for the admin account")
	flag.StringVar(&authHash, "hash", "", "sha256 credential digest for the admin account")
	flag.Parse()

	if countNonEmpty(dataPath, sqlitePath, dsn) != 1 {
		fatalf("exactly one of --data, --sqlite-path, or --postgres-dsn must be provided")
	}
	if strings.TrimSpace(name) == "" {
		fatalf("--name is required")
	}
	if err := models.ValidateField("auth_hash", authHash); err != nil {
		fatalf("--hash: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	repo, err := openRepository(ctx, dataPath, sqlitePath, dsn)
	if err != nil {
		fatalf("open datastore: %v", err)
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		_ = repo.Close(closeCtx)
	}()

	user, created, err := bootstrapAdmin(repo, strings.TrimSpace(name), authHash)
	if err != nil {
		fatalf("bootstrap admin: %v", err)
	}

	state := "promoted"
	if created {
		state = "created"
	}
	fmt.Printf("Admin user %s (%s) %s successfully.\n", user.Name, user.ID, state)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func countNonEmpty(values ...string) int {
	count := 0
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			count++
		}
	}
	return count
}

func openRepository(ctx context.Context, dataPath, sqlitePath, dsn string) (storage.Repository, error) {
	switch {
	case dataPath != "":
		return storage.NewMemoryRepository(dataPath)
	case sqlitePath != "":
		return storage.NewSQLiteRepository(sqlitePath)
	default:
		return storage.NewPostgresRepository(ctx, storage.PostgresConfig{DSN: dsn})
	}
}

func bootstrapAdmin(repo storage.Repository, name, authHash string) (models.User, bool, error) {
	if existing, ok := repo.ResolveUser(name); ok {
		isAdmin := true
		update := storage.UserUpdate{
			AuthHash: &authHash,
			IsAdmin:  &isAdmin,
		}
		updated, err := repo.UpdateUser(existing.ID, update)
		if err != nil {
			return models.User{}, false, err
		}
		return updated, false, nil
	}

	user, err := repo.RegisterUser(storage.RegisterUserParams{
		Name:     name,
		AuthHash: authHash,
		IsAdmin:  true,
	})
	if err != nil {
		return models.User{}, false, err
	}
	return user, true, nil
}
