package main

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/fatih/color"
	json "github.com/goccy/go-json"
	"github.com/k0kubun/pp/v3"
	"github.com/spf13/cobra"

	"github.com/conduithq/conduit/internal/sse"
	"github.com/conduithq/conduit/streamcache"
)

var (
	chatServerURL   string
	chatAssistantID string
	chatConvoID     string
	chatUserID      string
	chatDebug       bool
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive terminal chat against a running server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return chat(cmd.Context())
	},
}

func init() {
	chatCmd.Flags().StringVar(&chatServerURL, "server", "http://localhost:8484", "server base URL")
	chatCmd.Flags().StringVar(&chatAssistantID, "assistant", "", "assistant id")
	chatCmd.Flags().StringVar(&chatConvoID, "conversation", "", "conversation id")
	chatCmd.Flags().StringVar(&chatUserID, "user", "local", "user id")
	chatCmd.Flags().BoolVar(&chatDebug, "debug", false, "dump raw stream frames")
	_ = chatCmd.MarkFlagRequired("assistant")
	_ = chatCmd.MarkFlagRequired("conversation")
}

func chat(ctx context.Context) error {
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return err
	}
	prompt := color.New(color.FgCyan, color.Bold)
	dim := color.New(color.Faint)

	in := bufio.NewScanner(os.Stdin)
	for {
		prompt.Print("you> ")
		if !in.Scan() {
			return in.Err()
		}
		text := strings.TrimSpace(in.Text())
		if text == "" {
			continue
		}
		if text == "/quit" || text == "/exit" {
			return nil
		}

		messageID, err := startTurn(ctx, text)
		if err != nil {
			color.Red("error: %v", err)
			continue
		}
		dim.Printf("message %s\n", messageID)

		content, err := followStream(ctx, messageID)
		if err != nil {
			color.Red("stream error: %v", err)
			continue
		}
		rendered, err := renderer.Render(content)
		if err != nil {
			fmt.Println(content)
			continue
		}
		fmt.Print(rendered)
	}
}

func startTurn(ctx context.Context, text string) (string, error) {
	body, err := json.Marshal(map[string]any{
		"assistant_id":    chatAssistantID,
		"conversation_id": chatConvoID,
		"user_id":         chatUserID,
		"message":         text,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, chatServerURL+"/api/turns", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out struct {
		MessageID string `json:"message_id"`
		Error     string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if out.Error != "" {
		return "", fmt.Errorf("%s", out.Error)
	}
	return out.MessageID, nil
}

// followStream consumes the message's live frame stream to completion and
// returns the final accumulated content.
func followStream(ctx context.Context, messageID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		chatServerURL+"/api/turns/"+messageID+"/stream", nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("stream request failed with status %d", resp.StatusCode)
	}

	var content strings.Builder
	scanner := sse.NewScanner(resp.Body)
	for {
		event, err := scanner.Next()
		if err != nil {
			return content.String(), nil
		}
		var frame streamcache.Frame
		if err := json.Unmarshal([]byte(event.Data), &frame); err != nil {
			continue
		}
		if chatDebug {
			pp.Fprintln(os.Stderr, frame)
		}
		switch frame.Type {
		case streamcache.FrameCatchUp:
			content.Reset()
			content.WriteString(frame.Content)
		case streamcache.FrameDelta:
			content.WriteString(frame.Content)
			fmt.Print(frame.Content)
		case streamcache.FrameDone:
			fmt.Println()
			return content.String(), nil
		}
	}
}
