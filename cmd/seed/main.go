// Seeds the database with an admin account and two funded traders for local
// development. Safe to re-run: it exits early if the users already exist.
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"github.com/vantex/exchange/internal/auth"
	"github.com/vantex/exchange/internal/config"
	"github.com/vantex/exchange/internal/db"
	"github.com/vantex/exchange/internal/models"
)

type seedUser struct {
	email    string
	username string
	password string
	role     string
	balances map[string]decimal.Decimal
}

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	ctx := context.Background()

	database, err := db.NewDB(ctx, cfg.Database.URL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer database.Close()

	if _, err := database.GetUserByEmail(ctx, "admin@example.com"); err == nil {
		fmt.Println("Database already seeded.")
		os.Exit(0)
	}

	users := []seedUser{
		{
			email:    "admin@example.com",
			username: "admin",
			password: "AdminPass1",
			role:     auth.RoleAdmin,
		},
		{
			email:    "trader1@example.com",
			username: "trader1",
			password: "TraderPass1",
			role:     auth.RoleUser,
			balances: map[string]decimal.Decimal{
				"USDT": decimal.NewFromInt(100000),
				"BTC":  decimal.NewFromInt(2),
			},
		},
		{
			email:    "trader2@example.com",
			username: "trader2",
			password: "TraderPass1",
			role:     auth.RoleUser,
			balances: map[string]decimal.Decimal{
				"USDT": decimal.NewFromInt(50000),
				"BTC":  decimal.NewFromInt(5),
			},
		},
	}

	for _, su := range users {
		hash, err := bcrypt.GenerateFromPassword([]byte(su.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("failed to hash password for %s: %v", su.email, err)
		}
		created, err := database.CreateUser(ctx, &models.User{
			Email:        su.email,
			Username:     su.username,
			PasswordHash: string(hash),
			Role:         su.role,
		})
		if err != nil {
			log.Fatalf("failed to create %s: %v", su.email, err)
		}

		for coin, amount := range su.balances {
			err := database.Append(ctx, models.Transaction{
				UserID: created.ID,
				Type:   models.TxDeposit,
				Coin:   coin,
				Amount: amount,
			}, amount, decimal.Zero)
			if err != nil {
				log.Fatalf("failed to fund %s with %s: %v", su.email, coin, err)
			}
		}
		fmt.Printf("created %s (%s)\n", su.email, su.role)
	}

	fmt.Println("Successfully seeded the database.")
}
