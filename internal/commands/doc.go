// Package commands defines the openly CLI.
//
// Commands
//
//   - serve      Run the reference messaging backend
//   - chat       Open an interactive session as one user
//   - register   Create or update the user's profile on the backend
//   - key        Print the conversation key two users share
//
// The root command loads configuration (file, OPENLY_* environment,
// flags) and configures logging before any subcommand runs.
package commands
