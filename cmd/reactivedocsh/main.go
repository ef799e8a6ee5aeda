// Command reactivedocsh is an interactive REPL for the fluent query
// DSL: type an expression, see its result, or watch a subscription
// stream live changes until interrupted.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"

	"github.com/kartikbazzad/reactivedoc/pkg/client"
)

func historyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".reactivedocsh_history"
	}
	return filepath.Join(home, ".reactivedocsh_history")
}

func main() {
	addr := flag.String("addr", "127.0.0.1:9451", "reactivedoc server address")
	flag.Parse()

	c, err := connect(*addr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "connect:", err)
		os.Exit(1)
	}
	defer c.Close()

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	if f, err := os.Open(historyPath()); err == nil {
		line.ReadHistory(f)
		f.Close()
	}
	defer func() {
		if f, err := os.Create(historyPath()); err == nil {
			line.WriteHistory(f)
			f.Close()
		}
	}()

	fmt.Printf("reactivedoc shell — connected to %s\n", *addr)
	for {
		input, err := line.Prompt("reactivedoc> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err.Error() == "EOF" {
				return
			}
			fmt.Fprintln(os.Stderr, err)
			return
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		if strings.Contains(input, ".changes()") {
			runSubscription(c, input)
			continue
		}
		runQuery(c, input)
	}
}

func connect(addr string) (*client.Client, error) {
	return client.Dial(addr, 0)
}

func runQuery(c *client.Client, query string) {
	data, err := c.Query(query)
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Println(string(data))
}

func runSubscription(c *client.Client, query string) {
	sub, err := c.Subscribe(query)
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Println("subscribed, press Ctrl-C to stop watching")
	for {
		change, ok := sub.Next()
		if !ok {
			fmt.Println("subscription closed")
			return
		}
		fmt.Printf("[%s] new=%s old=%s\n", change.Type, string(change.New), string(change.Old))
	}
}
