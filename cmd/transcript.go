package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nbuy/shopchat/internal/transcript"
	"github.com/nbuy/shopchat/internal/utils"
)

var transcriptCmd = &cobra.Command{
	Use:   "transcript [session-id]",
	Short: "List chat sessions, or print one session's messages",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runTranscript,
}

func init() {
	rootCmd.AddCommand(transcriptCmd)
}

func runTranscript(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg, nil)
	if err != nil {
		return err
	}
	defer st.Close()

	rec, err := makeRecorder(cfg, st)
	if err != nil {
		return err
	}

	if len(args) == 0 {
		lister, ok := rec.(transcript.Lister)
		if !ok {
			return fmt.Errorf("transcript backend %q cannot list sessions", cfg.Transcript.Backend)
		}
		sessions, err := lister.Sessions(cmd.Context())
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			fmt.Println("No sessions recorded.")
			return nil
		}
		for _, s := range sessions {
			state := "closed"
			if s.Active {
				state = "active"
			}
			fmt.Printf("%s  user=%-6s  %s  %-6s  %d messages\n",
				s.ID, s.UserID, s.CreatedAt.Format("2006-01-02 15:04"), state, s.Messages)
		}
		return nil
	}

	msgs, err := rec.List(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	for _, m := range msgs {
		fmt.Printf("[%s] %-9s %s\n", m.CreatedAt.Format("15:04:05"), m.Originator(), utils.TruncateString(m.Content, 500, ""))
	}
	return nil
}
