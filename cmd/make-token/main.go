package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/vendaflow/pedidos_backend/models"
	"github.com/vendaflow/pedidos_backend/utils"
)

// Maintenance tool: issue a bearer token for local testing or internal
// service-to-service calls. Signs with API_SECRET, so run it with the same
// environment as the server.
func main() {
	userID := flag.Int("user-id", 0, "Numeric user id embedded in the claims.")
	username := flag.String("username", "", "Username embedded in the claims. Required.")
	organizationID := flag.String("organization-id", "", "Organization the token acts for. Required for non-admin tokens.")
	role := flag.String("role", models.UserRoleNormal, "Role claim: Normal or Admin.")
	flag.Parse()

	_ = godotenv.Load()

	if strings.TrimSpace(*username) == "" {
		fmt.Fprintln(os.Stderr, "-username is required")
		os.Exit(1)
	}
	if *role != models.UserRoleAdmin && strings.TrimSpace(*organizationID) == "" {
		fmt.Fprintln(os.Stderr, "-organization-id is required for non-admin tokens")
		os.Exit(1)
	}

	token, err := utils.JwtGenerate(*userID, strings.TrimSpace(*username), strings.TrimSpace(*organizationID), *role)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to sign token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
