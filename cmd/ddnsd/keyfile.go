package main

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"log"
	"os"
	"syscall"
	"time"

	ddns "github.com/Travis-Britz/ddnsd"
	"golang.org/x/term"
)

// runSetup prompts for the password of acct and writes it to its password file.
// Cloudflare tokens are verified before they are written.
func runSetup(acct ddns.AccountConfig) error {
	log.Printf("password file %q for account %s does not exist", acct.PasswordFile, acct.Name)
	time.Sleep(200 * time.Millisecond) // dirty timer hack to try to get stderr and stdout output lines to display in order
	fmt.Printf("Enter password for account %s (%s): \n", acct.Name, acct.Service)
	bytekey, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		return fmt.Errorf("error reading from stdin: %w", err)
	}
	key := string(bytekey)
	if key == "" {
		return fmt.Errorf("empty password")
	}

	if acct.Service == "cloudflare" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		log.Println("verifying token...")
		if err := ddns.VerifyCloudflareToken(ctx, key); err != nil {
			return fmt.Errorf("unable to verify api token: %w", err)
		}
		log.Println("token verified successfully")
	}

	f, err := os.OpenFile(acct.PasswordFile, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("unable to create \"%s\": %w", acct.PasswordFile, err)
	}
	defer f.Close()
	if _, err := fmt.Fprintln(f, key); err != nil {
		return fmt.Errorf("unable to write \"%s\": %w", acct.PasswordFile, err)
	}
	log.Printf("password written to \"%s\"\n", acct.PasswordFile)
	return nil
}

// readKey returns the first line of the file at path.
func readKey(path string) (key string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("error reading key: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	keyb, _, err := r.ReadLine()
	if err != nil {
		return "", fmt.Errorf("error reading line: %w", err)
	}
	return string(keyb), nil
}

// verifyPermissions rejects a key file that anyone but its owner can read.
func verifyPermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("error checking keyfile permissions: %w", err)
	}

	if perms := info.Mode().Perm(); perms != 0600 && perms != 0400 {
		return fmt.Errorf("invalid permissions for \"%s\": %w", path, permissionError(perms))
	}

	return nil
}

type permissionError fs.FileMode

func (pe permissionError) Error() string {
	return fmt.Sprintf("expected file permissions \"-rw-------\" or \"-r--------\"; found \"%s\"", fs.FileMode(pe))
}
