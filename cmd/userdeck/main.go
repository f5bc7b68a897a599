// Command userdeck is the user-management dashboard client: it signs in
// against the auth service, keeps the session alive, and drives the
// admin user operations from the terminal.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"userdeck.org/internal/api"
	"userdeck.org/internal/audit"
	"userdeck.org/internal/config"
	"userdeck.org/internal/obs"
	"userdeck.org/internal/perms"
	"userdeck.org/internal/session"
	"userdeck.org/internal/tokens"
	"userdeck.org/internal/users"
)

var version = "0.3.0"

func usage() {
	fmt.Fprintf(os.Stderr, `userdeck %s

Usage:
  userdeck login -email <email>
  userdeck register -email <email> -first <name> -last <name>
  userdeck logout
  userdeck whoami
  userdeck refresh
  userdeck users list [-role ROLE] [-search text] [-page n] [-size n]
  userdeck users get <id>
  userdeck users create -email <email> -first <name> -last <name> -role ROLE
  userdeck users update <id> [-first <name>] [-last <name>]
  userdeck users delete <id>
  userdeck users set-role <id> <role>

The password for login/register/create is read from USERDECK_PASSWORD or,
when unset, prompted on stdin.
`, version)
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "userdeck: %v\n", err)
		os.Exit(1)
	}

	log := obs.NewLogger(cfg.Environment)
	obs.Init()
	if cfg.MetricsAddr != "" {
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, obs.Handler()); err != nil {
				log.Warn().Err(err).Msg("metrics listener stopped")
			}
		}()
	}

	var store tokens.Store = tokens.NewMemory()
	if cfg.Tokens.Path != "" {
		fileStore, err := tokens.NewFile(cfg.Tokens.Path, []byte(cfg.Tokens.Passphrase))
		if err != nil {
			fmt.Fprintf(os.Stderr, "userdeck: %v\n", err)
			os.Exit(1)
		}
		store = fileStore
	}

	client, err := api.New(cfg.API.BaseURL,
		api.WithLogger(log),
		api.WithHTTPClient(&http.Client{Timeout: cfg.API.RequestTimeout}),
		api.WithThrottle(cfg.API.ThrottleRate, cfg.API.ThrottleBurst),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "userdeck: %v\n", err)
		os.Exit(1)
	}

	trail := audit.NewTrail(log)
	mgr, err := session.New(client, store, session.Config{
		RefreshInterval:  cfg.Session.RefreshInterval,
		IdleTimeout:      cfg.Session.IdleTimeout,
		LoginMaxAttempts: cfg.Session.LoginMaxAttempts,
		LoginBackoffStep: cfg.Session.LoginBackoffStep,
	}, session.WithLogger(log), session.WithAudit(trail))
	if err != nil {
		fmt.Fprintf(os.Stderr, "userdeck: %v\n", err)
		os.Exit(1)
	}
	defer mgr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := mgr.Initialize(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "userdeck: %v\n", err)
		os.Exit(1)
	}

	dir, err := users.New(client, mgr, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "userdeck: %v\n", err)
		os.Exit(1)
	}

	if err := run(ctx, os.Args[1], os.Args[2:], mgr, dir); err != nil {
		fmt.Fprintf(os.Stderr, "userdeck: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd string, args []string, mgr *session.Manager, dir *users.Directory) error {
	switch cmd {
	case "login":
		return cmdLogin(ctx, args, mgr)
	case "register":
		return cmdRegister(ctx, args, mgr)
	case "logout":
		return mgr.Logout(ctx)
	case "whoami":
		return cmdWhoami(mgr)
	case "refresh":
		return mgr.RefreshSession(ctx)
	case "users":
		if len(args) == 0 {
			usage()
		}
		return runUsers(ctx, args[0], args[1:], dir)
	case "help", "-h", "--help":
		usage()
		return nil
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func cmdLogin(ctx context.Context, args []string, mgr *session.Manager) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	email := fs.String("email", "", "account email")
	fs.Parse(args)

	password, err := readPassword()
	if err != nil {
		return err
	}
	if err := mgr.Login(ctx, *email, password); err != nil {
		return err
	}
	return cmdWhoami(mgr)
}

func cmdRegister(ctx context.Context, args []string, mgr *session.Manager) error {
	fs := flag.NewFlagSet("register", flag.ExitOnError)
	email := fs.String("email", "", "account email")
	first := fs.String("first", "", "first name")
	last := fs.String("last", "", "last name")
	fs.Parse(args)

	password, err := readPassword()
	if err != nil {
		return err
	}
	if err := mgr.Register(ctx, api.RegisterRequest{
		Email:     *email,
		Password:  password,
		FirstName: *first,
		LastName:  *last,
	}); err != nil {
		return err
	}
	return cmdWhoami(mgr)
}

func cmdWhoami(mgr *session.Manager) error {
	st := mgr.Snapshot()
	if !st.Authenticated || st.User == nil {
		fmt.Println("not signed in")
		return nil
	}
	fmt.Printf("%s %s <%s> role=%s\n", st.User.FirstName, st.User.LastName, st.User.Email, st.User.Role)
	fmt.Printf("permissions: %s\n", strings.Join(permissionNames(st), ", "))
	return nil
}

func permissionNames(st session.State) []string {
	list := st.Permissions.List()
	names := make([]string, len(list))
	for i, p := range list {
		names[i] = string(p)
	}
	return names
}

func runUsers(ctx context.Context, sub string, args []string, dir *users.Directory) error {
	switch sub {
	case "list":
		fs := flag.NewFlagSet("users list", flag.ExitOnError)
		role := fs.String("role", "", "filter by role")
		search := fs.String("search", "", "search text")
		page := fs.Int("page", 1, "page number")
		size := fs.Int("size", 20, "page size")
		fs.Parse(args)

		filter := api.UserFilter{
			Search:   *search,
			Page:     *page,
			PageSize: *size,
		}
		if *role != "" {
			filter.Role = perms.ParseRole(*role)
		}
		res, err := dir.List(ctx, filter)
		if err != nil {
			return err
		}
		for _, u := range res.Items {
			fmt.Printf("%s\t%s\t%s %s\t%s\n", u.ID, u.Email, u.FirstName, u.LastName, u.Role)
		}
		fmt.Printf("page %d, %d total\n", res.Page, res.Total)
		return nil
	case "get":
		if len(args) != 1 {
			usage()
		}
		u, err := dir.Get(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(u)
	case "create":
		fs := flag.NewFlagSet("users create", flag.ExitOnError)
		email := fs.String("email", "", "account email")
		first := fs.String("first", "", "first name")
		last := fs.String("last", "", "last name")
		role := fs.String("role", string(perms.RoleUser), "role")
		fs.Parse(args)

		password, err := readPassword()
		if err != nil {
			return err
		}
		u, err := dir.Create(ctx, api.RegisterRequest{
			Email:     *email,
			Password:  password,
			FirstName: *first,
			LastName:  *last,
		})
		if err != nil {
			return err
		}
		if want := perms.ParseRole(*role); want != perms.RoleUser {
			if u, err = dir.SetRole(ctx, u.ID, want); err != nil {
				return err
			}
		}
		return printJSON(u)
	case "update":
		if len(args) < 1 {
			usage()
		}
		id := args[0]
		fs := flag.NewFlagSet("users update", flag.ExitOnError)
		first := fs.String("first", "", "first name")
		last := fs.String("last", "", "last name")
		fs.Parse(args[1:])

		upd := api.UserUpdate{}
		if *first != "" {
			upd.FirstName = first
		}
		if *last != "" {
			upd.LastName = last
		}
		u, err := dir.Update(ctx, id, upd)
		if err != nil {
			return err
		}
		return printJSON(u)
	case "delete":
		if len(args) != 1 {
			usage()
		}
		if err := dir.Delete(ctx, args[0]); err != nil {
			return err
		}
		fmt.Println("deleted")
		return nil
	case "set-role":
		if len(args) != 2 {
			usage()
		}
		u, err := dir.SetRole(ctx, args[0], perms.ParseRole(args[1]))
		if err != nil {
			return err
		}
		return printJSON(u)
	default:
		return fmt.Errorf("unknown users subcommand %q", sub)
	}
}

func readPassword() (string, error) {
	if pw := os.Getenv("USERDECK_PASSWORD"); pw != "" {
		return pw, nil
	}
	fmt.Fprint(os.Stderr, "password: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
