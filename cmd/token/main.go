package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/gerychhh/germify/internal/auth"
	"github.com/gerychhh/germify/internal/config"
	"github.com/gerychhh/germify/internal/models"
)

func main() {
	userID := flag.Int64("user", 0, "User ID")
	username := flag.String("username", "", "Username")
	displayName := flag.String("name", "", "Display name")
	ttl := flag.Duration("ttl", 24*time.Hour, "Token lifetime")
	flag.Parse()

	if *userID <= 0 || *username == "" {
		fmt.Fprintln(os.Stderr, "Usage: token -user <id> -username <name> [-name <display name>] [-ttl 24h]")
		fmt.Fprintln(os.Stderr, "  Signs with JWT_SECRET (or the development secret)")
		os.Exit(1)
	}

	cfg := config.Load()
	token, err := auth.New(cfg.JWTSecret).Issue(models.User{
		ID:          *userID,
		Username:    *username,
		DisplayName: *displayName,
	}, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to sign token: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(token)
}
