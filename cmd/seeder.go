package cmd

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the database with sample data",
	Long:  `Seed the database with sample plans, payment accounts and selection policies for development and testing purposes.`,
	Run: func(cmd *cobra.Command, args []string) {
		deps, err := buildDeps()
		if err != nil {
			log.Fatalf("failed to initialize dependencies: %v", err)
		}
		defer deps.DB.Close()

		db := deps.Gorm

		plans := []struct {
			Name         string
			DurationDays int
			Price        int64
			Currency     string
		}{
			{"basic-monthly", 30, 999, "USD"},
			{"pro-monthly", 30, 2999, "USD"},
			{"pro-yearly", 365, 29999, "USD"},
		}

		for _, p := range plans {
			var exists int
			row := db.Raw("SELECT 1 FROM plans WHERE name = ?", p.Name).Row()
			if err := row.Scan(&exists); err == nil {
				continue
			}
			if err := db.Exec(
				"INSERT INTO plans (name, duration_days, price, currency, requires_provisioning, created_at) VALUES (?, ?, ?, ?, false, now())",
				p.Name, p.DurationDays, p.Price, p.Currency,
			).Error; err != nil {
				log.Fatalf("failed to insert plan %s: %v", p.Name, err)
			}
			fmt.Printf("Seeded plan: %s\n", p.Name)
		}

		accounts := []struct {
			Gateway    string
			Name       string
			APIKey     string
			Currencies string
			Countries  string
		}{
			{"stripe", "stripe-sandbox-1", "sk_test_sandbox_1", "USD,EUR", "US,GB,DE"},
			{"stripe", "stripe-sandbox-2", "sk_test_sandbox_2", "USD", "US"},
			{"paypal", "paypal-sandbox-1", "paypal_client_sandbox_1", "USD,EUR,GBP", ""},
		}

		for _, a := range accounts {
			var exists int
			row := db.Raw("SELECT 1 FROM payment_accounts WHERE gateway = ? AND name = ?", a.Gateway, a.Name).Row()
			if err := row.Scan(&exists); err == nil {
				continue
			}
			if err := db.Exec(
				"INSERT INTO payment_accounts (gateway, name, api_key, active, sandbox, currencies, countries, created_at, updated_at) VALUES (?, ?, ?, true, true, ?, ?, now(), now())",
				a.Gateway, a.Name, a.APIKey, a.Currencies, a.Countries,
			).Error; err != nil {
				log.Fatalf("failed to insert payment account %s: %v", a.Name, err)
			}
			fmt.Printf("Seeded payment account: %s/%s\n", a.Gateway, a.Name)
		}

		var exists int
		row := db.Raw("SELECT 1 FROM selection_policies WHERE name = ?", "global").Row()
		if err := row.Scan(&exists); err != nil {
			if err := db.Exec(
				"INSERT INTO selection_policies (name, strategy, enable_fallback, max_fallback_attempts, exclude_failed, cooldown_minutes, load_balance, max_load_percent, created_at, updated_at) VALUES ('global', 'least_used', true, 2, true, 30, false, 70, now(), now())",
			).Error; err != nil {
				log.Fatalf("failed to insert global selection policy: %v", err)
			}
			fmt.Println("Seeded global selection policy")
		}

		fmt.Println("Seed data applied successfully")
	},
}
