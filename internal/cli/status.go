package cli

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/imkarma/foreman/internal/daemon"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store-wide counts and daemon state",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	s, err := mustStore()
	if err != nil {
		return err
	}
	defer s.Close()

	stats, err := s.Summary()
	if err != nil {
		return err
	}

	fmt.Println("Workflows:")
	printCounts(stats.Workflows)
	fmt.Println("Tasks:")
	printCounts(stats.Tasks)
	fmt.Printf("Sessions: %d  Unread messages: %d\n", stats.Sessions, stats.Unread)

	sessions, err := s.ListSessions()
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		role := "client"
		if sess.IsDaemon {
			role = fmt.Sprintf("daemon :%d", sess.Port)
		}
		age := time.Since(time.UnixMilli(sess.LastHeartbeat)).Round(time.Second)
		self := ""
		if sess.PID == os.Getpid() {
			self = " (this process)"
		}
		fmt.Printf("  %s  pid=%d  %s  heartbeat %s ago%s\n", sess.ID, sess.PID, role, age, self)
	}

	if _, err := os.Stat(daemon.LockPath(s.Path())); err == nil {
		fmt.Println("Daemon lock: present")
	} else {
		fmt.Println("Daemon lock: absent")
	}
	return nil
}

func printCounts(counts map[string]int) {
	if len(counts) == 0 {
		fmt.Println("  none")
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %-16s %d\n", k, counts[k])
	}
}
