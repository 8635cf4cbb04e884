package main

import (
	"fmt"
	"net"

	"github.com/spf13/cobra"

	"github.com/jsturma/joblet/pkg/security"
)

var certsCmd = &cobra.Command{
	Use:   "certs",
	Short: "Manage the local certificate authority",
}

var certsServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Issue a server certificate for the API listener",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("dir")
		hosts, _ := cmd.Flags().GetStringSlice("host")

		ca, err := security.LoadOrCreateCA(dir)
		if err != nil {
			return err
		}

		var dnsNames []string
		var ips []net.IP
		for _, h := range hosts {
			if ip := net.ParseIP(h); ip != nil {
				ips = append(ips, ip)
			} else {
				dnsNames = append(dnsNames, h)
			}
		}

		cert, err := ca.IssueServer(dnsNames, ips)
		if err != nil {
			return err
		}
		certPath, keyPath, err := ca.WriteCert("server", cert)
		if err != nil {
			return err
		}
		fmt.Printf("server certificate: %s\nserver key: %s\n", certPath, keyPath)
		return nil
	},
}

var certsClientCmd = &cobra.Command{
	Use:   "client <name>",
	Short: "Issue a client certificate with a role",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("dir")
		role, _ := cmd.Flags().GetString("role")

		switch role {
		case "viewer", "operator", "admin":
		default:
			return fmt.Errorf("role must be viewer, operator or admin, got %q", role)
		}

		ca, err := security.LoadOrCreateCA(dir)
		if err != nil {
			return err
		}
		cert, err := ca.IssueClient(args[0], role)
		if err != nil {
			return err
		}
		certPath, keyPath, err := ca.WriteCert(args[0], cert)
		if err != nil {
			return err
		}
		fmt.Printf("client certificate: %s\nclient key: %s\nrole: %s\n", certPath, keyPath, role)
		return nil
	},
}

func init() {
	certsCmd.PersistentFlags().String("dir", "/var/lib/joblet/certs", "certificate directory")
	certsServerCmd.Flags().StringSlice("host", []string{"localhost", "127.0.0.1"}, "DNS names or IPs for the server certificate")
	certsClientCmd.Flags().String("role", "viewer", "role embedded in the certificate OU")
	certsCmd.AddCommand(certsServerCmd)
	certsCmd.AddCommand(certsClientCmd)
	rootCmd.AddCommand(certsCmd)
}
