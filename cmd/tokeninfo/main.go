package main

import (
	"fmt"
	"os"
	"time"

	"localconnect/internal/auth"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Println("Usage: tokeninfo <token>")
		os.Exit(1)
	}

	claims, err := auth.ParseCredential(os.Args[1])
	if err != nil {
		fmt.Printf("Error reading token: %v\n", err)
		os.Exit(1)
	}

	if claims.Opaque {
		fmt.Println("opaque token, no claims")
		return
	}

	fmt.Printf("Subject:  %s\n", claims.Subject)
	fmt.Printf("User ID:  %s\n", claims.UserID)
	if claims.ExpiresAt.IsZero() {
		fmt.Println("Expires:  never")
		return
	}
	state := "valid"
	if err := auth.CheckCredential(os.Args[1], time.Now()); err != nil {
		state = "expired"
	}
	fmt.Printf("Expires:  %s (%s)\n", claims.ExpiresAt.Format(time.RFC3339), state)
}
