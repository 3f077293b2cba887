package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	loginEmail    string
	loginPassword string
	registerName  string
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in to Snappy",
	RunE:  runLogin,
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Create a Snappy account",
	RunE:  runRegister,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Log out and discard local credentials",
	RunE:  runLogout,
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the logged-in user",
	RunE:  runWhoami,
}

func init() {
	loginCmd.Flags().StringVar(&loginEmail, "email", "", "account email")
	loginCmd.Flags().StringVar(&loginPassword, "password", "", "account password")
	registerCmd.Flags().StringVar(&loginEmail, "email", "", "account email")
	registerCmd.Flags().StringVar(&loginPassword, "password", "", "account password")
	registerCmd.Flags().StringVar(&registerName, "username", "", "display name")
}

func prompt(label string) (string, error) {
	fmt.Printf("%s: ", label)
	rd := bufio.NewReader(os.Stdin)
	line, err := rd.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func credentials() (email, password string, err error) {
	email = loginEmail
	if email == "" {
		if email, err = prompt("Email"); err != nil {
			return "", "", err
		}
	}
	password = loginPassword
	if password == "" {
		if password, err = prompt("Password"); err != nil {
			return "", "", err
		}
	}
	return email, password, nil
}

func runLogin(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	email, password, err := credentials()
	if err != nil {
		return err
	}

	user, err := a.client.Login(cmd.Context(), email, password)
	if err != nil {
		return err
	}
	fmt.Printf("Logged in as %s (%s)\n", user.Username, user.Email)
	return nil
}

func runRegister(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	email, password, err := credentials()
	if err != nil {
		return err
	}
	username := registerName
	if username == "" {
		if username, err = prompt("Username"); err != nil {
			return err
		}
	}

	user, err := a.client.Register(cmd.Context(), email, username, password)
	if err != nil {
		return err
	}
	fmt.Printf("Welcome to Snappy, %s!\n", user.Username)
	return nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.tokens.Clear(); err != nil {
		return err
	}
	fmt.Println("Logged out.")
	return nil
}

func runWhoami(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	user, err := a.client.Me(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("%s (%s)\n", user.Username, user.Email)
	return nil
}
