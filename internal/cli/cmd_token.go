package cli

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/subtun/subtun/internal/auth"
)

func runToken(args []string) int {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	secret := fs.String("signing-secret", os.Getenv("SUBTUN_SIGNING_SECRET"), "HS256 signing secret")
	subject := fs.String("subject", "", "Token subject (the principal identity)")
	ttl := fs.Duration("ttl", 24*time.Hour, "Token lifetime")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return fail(err)
	}
	if *secret == "" {
		return fail(errors.New("missing --signing-secret or SUBTUN_SIGNING_SECRET"))
	}
	if *subject == "" {
		return fail(errors.New("missing --subject"))
	}
	if *ttl <= 0 {
		return fail(errors.New("ttl must be > 0"))
	}

	token, err := auth.MintToken(*secret, *subject, uuid.NewString(), *ttl, time.Now())
	if err != nil {
		return fail(err)
	}
	fmt.Println(token)
	return 0
}
