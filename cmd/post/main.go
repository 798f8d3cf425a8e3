package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/blackmichael/feedsync/internal/feed"
	"github.com/blackmichael/feedsync/internal/rest"
	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	var (
		email     string
		password  string
		baseURL   string
		anonKey   string
		content   string
		imagePath string
		deleteID  string
	)

	flag.StringVar(&email, "email", envOrDefault("FEEDSYNC_EMAIL", ""), "Account email")
	flag.StringVar(&password, "password", envOrDefault("FEEDSYNC_PASSWORD", ""), "Account password")
	flag.StringVar(&baseURL, "url", envOrDefault("SUPABASE_URL", ""), "Project URL (e.g. https://xyz.supabase.co)")
	flag.StringVar(&anonKey, "anon-key", envOrDefault("SUPABASE_ANON_KEY", ""), "Project anon key")
	flag.StringVar(&content, "content", "", "Post text")
	flag.StringVar(&imagePath, "image", "", "Path to a JPEG to attach")
	flag.StringVar(&deleteID, "delete", "", "Delete the post with this id instead of creating one")
	flag.Parse()

	if email == "" || password == "" {
		return fmt.Errorf("--email and --password are required (or set FEEDSYNC_EMAIL and FEEDSYNC_PASSWORD)")
	}
	if baseURL == "" || anonKey == "" {
		return fmt.Errorf("--url and --anon-key are required (or set SUPABASE_URL and SUPABASE_ANON_KEY)")
	}

	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	client := rest.NewClient(baseURL, anonKey, logger)

	fmt.Printf("Logging in as %s...\n", email)
	sess, err := client.Login(ctx, email, password)
	if err != nil {
		return err
	}
	fmt.Printf("Authenticated as %s\n", sess.UserID)

	store := feed.NewStore(client, logger, feed.Options{Objects: client})

	if deleteID != "" {
		fmt.Printf("Deleting post %s...\n", deleteID)
		if !store.DeletePost(ctx, deleteID) {
			return fmt.Errorf("delete post %s failed", deleteID)
		}
		fmt.Println("Post deleted")
		return nil
	}

	var image []byte
	if imagePath != "" {
		image, err = os.ReadFile(imagePath)
		if err != nil {
			return fmt.Errorf("read image: %w", err)
		}
	}

	post, err := store.CreatePost(ctx, sess.UserID, content, image)
	if err != nil {
		return err
	}
	fmt.Printf("Post created: %s\n", post.ID)
	if post.ImageURL != nil {
		fmt.Printf("Image: %s\n", *post.ImageURL)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
