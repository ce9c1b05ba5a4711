// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("🚀 go-budgetsync - Offline-first sync for a personal budget app")
	fmt.Println("==============================================================")
	fmt.Println()
	fmt.Println("go-budgetsync keeps a per-entity local store on the device, records every")
	fmt.Println("local change in a durable sync queue and replays it to the server in order")
	fmt.Println("once the device is back online.")
	fmt.Println()

	fmt.Println("📦 Packages:")
	fmt.Println("   budget/        entity model and payload codec")
	fmt.Println("   budgetsqlite/  device store, sync queue, replayer, HTTP remote")
	fmt.Println("   budgetsync/    PostgreSQL-backed server, JWT auth, HTTP handlers")
	fmt.Println()

	fmt.Println("📚 Available Examples:")
	fmt.Println()
	fmt.Println("1. 🌐 Budget Server (examples/budget_server/)")
	fmt.Println("   REST entity API on PostgreSQL with JWT auth and graceful shutdown")
	fmt.Println("   Run: DATABASE_URL=postgres://... go run ./examples/budget_server")
	fmt.Println()

	fmt.Println("2. 📱 Device Simulator (examples/mobile_budget/)")
	fmt.Println("   Offline edits, reconnect, queue drain, conflicts and sign-out reset")
	fmt.Println("   Run: go run ./examples/mobile_budget run all")
	fmt.Println()
}
