package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mmdatafocus/recruit_backend/utils"
)

// Mints a signed token for a Pub/Sub push subscription pointing at
// /push/tasks. Run once per queue at deploy time; the token goes into the
// subscription's push endpoint URL as ?token=.
func main() {
	queue := flag.String("queue", "", "Required: queue name the token authorizes (candidate_import, email_high, email_default, email_low)")
	lifespan := flag.Duration("lifespan", 365*24*time.Hour, "Token validity window")
	flag.Parse()

	_ = godotenv.Load()

	if strings.TrimSpace(*queue) == "" {
		fmt.Fprintln(os.Stderr, "--queue is required")
		os.Exit(1)
	}

	token, err := utils.PushTokenGenerate(*queue, *lifespan)
	if err != nil {
		fmt.Fprintln(os.Stderr, "token generation failed:", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
