package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/imkarma/foreman/internal/store"
)

var answerCmd = &cobra.Command{
	Use:   "answer <task-id> <answer>",
	Short: "Answer an agent's blocked question",
	Long: `Threads the answer onto the agent's pending question and returns the
task to the pool. The next agent attempt sees the answer in its briefing.`,
	Args: cobra.ExactArgs(2),
	RunE: runAnswer,
}

func runAnswer(cmd *cobra.Command, args []string) error {
	s, err := mustStore()
	if err != nil {
		return err
	}
	defer s.Close()

	taskID, answer := args[0], args[1]
	t, err := s.GetTask(taskID)
	if err != nil {
		return err
	}

	// Find the newest unread question for this task to thread under.
	var query *store.Message
	if msgs, err := s.ListMessages(""); err == nil {
		for i := range msgs {
			if msgs[i].TaskID == taskID && msgs[i].FromAgent != "" {
				query = &msgs[i]
			}
		}
	}

	nm := store.NewMessage{TaskID: taskID, Subject: "operator reply", Body: answer}
	if query != nil {
		nm.ToAgent = query.FromAgent
		nm.ThreadID = query.ThreadID
		nm.ReplyTo = query.ID
		s.MarkMessageRead(query.ID)
	}
	if _, err := s.CreateMessage(nm); err != nil {
		return err
	}

	if t.Status == store.TaskBlocked {
		if err := s.SetTaskStatus(taskID, store.TaskPending, "", ""); err != nil {
			return err
		}
		fmt.Printf("Answered %s; task returned to pending\n", taskID)
		return nil
	}
	fmt.Printf("Answered %s; the in-flight agent will pick it up\n", taskID)
	return nil
}
