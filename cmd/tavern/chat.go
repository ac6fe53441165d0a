package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/z-tavern/client/internal/handler"
	"github.com/zhouzirui/z-tavern/client/internal/model/chat"
	chatService "github.com/zhouzirui/z-tavern/client/internal/service/chat"
	"github.com/zhouzirui/z-tavern/client/internal/service/presence"
)

// chatHelp is the chat command help text, also printed by /help.
const chatHelp = `Starts an interactive session. Plain lines are sent to the active session.

Commands:
  /list                 list sessions
  /refresh              reload sessions and activate the first one
  /new                  create a session and switch to it
  /switch <id>          switch to a session and print its history
  /rename <id> <title>  rename a session
  /delete <id>          delete a session
  /history              print the active transcript
  /connect, /disconnect manage the streaming link
  /quit                 exit`

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to the assistant from the terminal",
	Long:  chatHelp,
	Args:  cobra.NoArgs,
	RunE:  runChat,
}

// core is the client surface the terminal drives.
type core interface {
	handler.Core
	Notices() <-chan chatService.Notice
}

func runChat(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt := newRuntime(cfg, logger)
	defer rt.conn.Close()

	con := newConsole(cmd.OutOrStdout())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rt.client.Run(ctx)
	})
	g.Go(func() error {
		watch(ctx, rt.client, con)
		return nil
	})
	g.Go(func() error {
		defer stop()
		if err := rt.client.Start(ctx); err != nil {
			logger.Debug("initial sync failed", zap.Error(err))
		}
		con.printf("输入 /help 查看命令\n")
		return repl(ctx, rt.client, con, cmd.InOrStdin())
	})

	return g.Wait()
}

// watch renders view changes and notices until ctx is done.
func watch(ctx context.Context, c core, con *console) {
	changes, cancel := c.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case n := <-c.Notices():
			con.notice(n)
		case _, open := <-changes:
			if !open {
				return
			}
			con.render(c.View())
		}
	}
}

// repl reads commands until /quit, EOF or ctx is done.
func repl(ctx context.Context, c core, con *console, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := execute(ctx, c, con, line); quit {
				return nil
			}
		}
	}
}

// execute runs one input line and reports whether the user asked to quit.
func execute(ctx context.Context, c core, con *console, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		con.expectReply()
		if err := c.SendMessage(ctx, line); err != nil {
			con.printf("发送失败：%v\n", err)
		}
		return false
	}

	name, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	var err error
	switch name {
	case "/quit", "/exit":
		return true
	case "/help":
		con.printf("%s\n", chatHelp)
	case "/list":
		con.sessions(c.View())
	case "/refresh":
		// 重新拉取会重新激活第一个会话
		if err = c.FetchSessions(ctx); err == nil {
			con.sessions(c.View())
		}
	case "/new":
		var created chat.Session
		if created, err = c.CreateSession(ctx); err == nil {
			con.printf("已创建会话 #%d %s\n", created.ID, created.Title)
		}
	case "/switch":
		var id int64
		if id, err = parseSessionID(rest); err == nil {
			if err = c.SelectSession(ctx, id); err == nil {
				con.history(c.View())
			}
		}
	case "/rename":
		idText, title, _ := strings.Cut(rest, " ")
		var id int64
		if id, err = parseSessionID(idText); err == nil {
			err = c.RenameSession(ctx, id, title)
		}
	case "/delete":
		var id int64
		if id, err = parseSessionID(rest); err == nil {
			err = c.DeleteSession(ctx, id)
		}
	case "/history":
		con.history(c.View())
	case "/connect":
		err = c.Connect(ctx)
	case "/disconnect":
		err = c.Disconnect()
	default:
		con.printf("未知命令 %s，输入 /help 查看命令\n", name)
	}

	if err != nil {
		con.printf("操作失败：%v\n", err)
	}
	return false
}

func parseSessionID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid session id %q", raw)
	}
	return id, nil
}

// console serializes terminal output and tracks how much of the current
// reply has been printed.
type console struct {
	mu  sync.Mutex
	out io.Writer

	expecting bool
	index     int
	live      bool
	printed   int
	suggested bool
}

func newConsole(out io.Writer) *console {
	return &console{out: out, index: -1}
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func (c *console) expectReply() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expecting = true
}

// render prints the unseen tail of the latest assistant reply. Replies that
// were already complete when they appeared (history) are not echoed.
func (c *console) render(v chatService.View) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v.Suggestion && !c.suggested {
		fmt.Fprintln(c.out, "（可以继续提问）")
	}
	c.suggested = v.Suggestion

	n := len(v.Transcript)
	if n == 0 {
		return
	}
	last := v.Transcript[n-1]
	if last.Sender != chat.SenderAssistant {
		return
	}

	if n-1 != c.index {
		c.index = n - 1
		c.live = v.Streaming || c.expecting
		c.expecting = false
		c.printed = 0
	}
	if !c.live {
		return
	}

	// 首个片段到达前显示的是占位文本
	if v.Streaming && v.Presence == presence.Thinking {
		return
	}
	if len(last.Content) > c.printed {
		if c.printed == 0 {
			fmt.Fprint(c.out, "助手> ")
		}
		fmt.Fprint(c.out, last.Content[c.printed:])
		c.printed = len(last.Content)
	}
	if !v.Streaming {
		if c.printed > 0 {
			fmt.Fprintln(c.out)
		}
		c.live = false
	}
}

func (c *console) notice(n chatService.Notice) {
	if n.Detail != "" {
		c.printf("[%s] %s：%s\n", n.Kind, n.Message, n.Detail)
		return
	}
	c.printf("[%s] %s\n", n.Kind, n.Message)
}

func (c *console) sessions(v chatService.View) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(v.Sessions) == 0 {
		fmt.Fprintln(c.out, "暂无会话，输入 /new 创建")
		return
	}
	for _, s := range v.Sessions {
		mark := " "
		if s.ID == v.ActiveSessionID {
			mark = "*"
		}
		fmt.Fprintf(c.out, "%s #%d %s\n", mark, s.ID, s.Title)
	}
}

func (c *console) history(v chatService.View) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range v.Transcript {
		who := "我"
		if m.Sender == chat.SenderAssistant {
			who = "助手"
		}
		fmt.Fprintf(c.out, "%s> %s\n", who, m.Content)
	}
	// 历史消息已整体输出，后续渲染从末尾开始。
	c.index = len(v.Transcript) - 1
	c.live = false
}
