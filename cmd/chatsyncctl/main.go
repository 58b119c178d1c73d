package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

type chat struct {
	Address       string `json:"address"`
	Name          string `json:"name"`
	LastMessage   string `json:"lastMessage"`
	LastMessageAt int64  `json:"lastMessageAt"`
	UnreadCount   int    `json:"unreadCount"`
	FailedSends   []struct {
		ClientMsgID string `json:"clientMsgId"`
		Body        string `json:"body"`
		Error       string `json:"error"`
	} `json:"failedSends"`
}

type message struct {
	MsgID     string `json:"msgId"`
	Direction string `json:"direction"`
	Kind      string `json:"kind"`
	Body      string `json:"body"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

type messagesView struct {
	Messages []message `json:"messages"`
	Degraded bool      `json:"degraded"`
}

type searchResult struct {
	Address string  `json:"address"`
	Snippet string  `json:"snippet"`
	Message message `json:"message"`
}

type event struct {
	EventID    string `json:"eventId"`
	Tenant     string `json:"tenant"`
	OccurredAt int64  `json:"occurredAt"`
	Kind       string `json:"kind"`
	Address    string `json:"address"`
	MsgID      string `json:"msgId"`
}

func main() {
	addrFlag := flag.String("addr", "127.0.0.1:7631", "daemon address")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	base := "http://" + *addrFlag

	switch args[0] {
	case "health":
		cmdHealth(ctx, base, *jsonFlag)
	case "chats":
		cmdChats(ctx, base, *jsonFlag)
	case "messages":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: chatsyncctl messages <address>")
			os.Exit(1)
		}
		cmdMessages(ctx, base, args[1], *jsonFlag)
	case "send":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: chatsyncctl send <address> <text>")
			os.Exit(1)
		}
		cmdSend(ctx, base, args[1], args[2], *jsonFlag)
	case "retry":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: chatsyncctl retry <address> <client-msg-id>")
			os.Exit(1)
		}
		cmdRetry(ctx, base, args[1], args[2], *jsonFlag)
	case "refresh":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: chatsyncctl refresh <address>")
			os.Exit(1)
		}
		cmdRefresh(ctx, base, args[1], *jsonFlag)
	case "read":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: chatsyncctl read <address>")
			os.Exit(1)
		}
		cmdRead(ctx, base, args[1])
	case "search":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: chatsyncctl search <query> [address]")
			os.Exit(1)
		}
		address := ""
		if len(args) > 2 {
			address = args[2]
		}
		cmdSearch(ctx, base, args[1], address, *jsonFlag)
	case "watch":
		namespace := ""
		if len(args) > 1 {
			namespace = args[1]
		}
		cmdWatch(base, namespace, *jsonFlag)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: chatsyncctl [--addr <host:port>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  health                      Show daemon and provider state")
	fmt.Fprintln(os.Stderr, "  chats                       List conversations")
	fmt.Fprintln(os.Stderr, "  messages <address>          Show conversation history")
	fmt.Fprintln(os.Stderr, "  send <address> <text>       Send a text message")
	fmt.Fprintln(os.Stderr, "  retry <address> <id>        Retry a failed send")
	fmt.Fprintln(os.Stderr, "  refresh <address>           Force a provider sync")
	fmt.Fprintln(os.Stderr, "  read <address>              Mark a conversation read")
	fmt.Fprintln(os.Stderr, "  search <query> [address]    Search message history")
	fmt.Fprintln(os.Stderr, "  watch [namespace]           Stream daemon events (e.g. message.)")
}

func cmdHealth(ctx context.Context, base string, jsonOut bool) {
	var body map[string]string
	request(ctx, http.MethodGet, base+"/health", nil, &body)
	if jsonOut {
		outputJSON(body)
		return
	}
	fmt.Printf("Status:     %s\n", body["status"])
	fmt.Printf("Tenant:     %s\n", body["tenant"])
	fmt.Printf("Connection: %s\n", body["connection"])
}

func cmdChats(ctx context.Context, base string, jsonOut bool) {
	var body struct {
		Chats []chat `json:"chats"`
	}
	request(ctx, http.MethodGet, base+"/v1/chats", nil, &body)
	if jsonOut {
		outputJSON(body.Chats)
		return
	}
	for _, c := range body.Chats {
		name := c.Name
		if name == "" {
			name = c.Address
		}
		line := fmt.Sprintf("%s  %s", c.Address, name)
		if c.UnreadCount > 0 {
			line += fmt.Sprintf("  (%d unread)", c.UnreadCount)
		}
		fmt.Println(line)
		if c.LastMessage != "" {
			fmt.Printf("    %s\n", c.LastMessage)
		}
		for _, f := range c.FailedSends {
			fmt.Printf("    failed %s: %s (%s)\n", f.ClientMsgID, f.Body, f.Error)
		}
	}
}

func cmdMessages(ctx context.Context, base, address string, jsonOut bool) {
	var view messagesView
	request(ctx, http.MethodGet, base+"/v1/chats/"+address+"/messages", nil, &view)
	printView(view, jsonOut)
}

func cmdSend(ctx context.Context, base, address, text string, jsonOut bool) {
	var msg message
	request(ctx, http.MethodPost, base+"/v1/chats/"+address+"/messages", map[string]string{"body": text}, &msg)
	if jsonOut {
		outputJSON(msg)
		return
	}
	fmt.Printf("sent %s (%s)\n", msg.MsgID, msg.Status)
}

func cmdRetry(ctx context.Context, base, address, clientMsgID string, jsonOut bool) {
	var msg message
	request(ctx, http.MethodPost, base+"/v1/chats/"+address+"/messages", map[string]string{"retry": clientMsgID}, &msg)
	if jsonOut {
		outputJSON(msg)
		return
	}
	fmt.Printf("sent %s (%s)\n", msg.MsgID, msg.Status)
}

func cmdRefresh(ctx context.Context, base, address string, jsonOut bool) {
	var view messagesView
	request(ctx, http.MethodPost, base+"/v1/chats/"+address+"/refresh", map[string]string{}, &view)
	printView(view, jsonOut)
}

func cmdRead(ctx context.Context, base, address string) {
	var body map[string]string
	request(ctx, http.MethodPost, base+"/v1/chats/"+address+"/read", map[string]string{}, &body)
	fmt.Println("ok")
}

func cmdSearch(ctx context.Context, base, query, address string, jsonOut bool) {
	target := base + "/v1/search?q=" + url.QueryEscape(query)
	if address != "" {
		target += "&address=" + url.QueryEscape(address)
	}
	var body struct {
		Results []searchResult `json:"results"`
	}
	request(ctx, http.MethodGet, target, nil, &body)
	if jsonOut {
		outputJSON(body.Results)
		return
	}
	for _, r := range body.Results {
		ts := time.UnixMilli(r.Message.Timestamp).Format("2006-01-02 15:04")
		fmt.Printf("%s %s  %s\n", ts, r.Address, r.Snippet)
	}
}

func cmdWatch(base, namespace string, jsonOut bool) {
	target := base + "/v1/events"
	if namespace != "" {
		target += "?namespace=" + url.QueryEscape(namespace)
	}
	resp, err := http.Get(target)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot reach daemon at %s: %v\n", target, err)
		os.Exit(1)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "error: daemon returned %d\n", resp.StatusCode)
		os.Exit(1)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		raw := strings.TrimPrefix(line, "data: ")
		if jsonOut {
			fmt.Println(raw)
			continue
		}
		var evt event
		if json.Unmarshal([]byte(raw), &evt) != nil {
			continue
		}
		ts := time.UnixMilli(evt.OccurredAt).Format("15:04:05")
		out := fmt.Sprintf("%s %s", ts, evt.Kind)
		if evt.Address != "" {
			out += "  " + evt.Address
		}
		if evt.MsgID != "" {
			out += "  " + evt.MsgID
		}
		fmt.Println(out)
	}
}

func printView(view messagesView, jsonOut bool) {
	if jsonOut {
		outputJSON(view)
		return
	}
	if view.Degraded {
		fmt.Fprintln(os.Stderr, "warning: provider unreachable, showing local history")
	}
	for _, m := range view.Messages {
		ts := time.UnixMilli(m.Timestamp).Format("2006-01-02 15:04")
		arrow := "<-"
		if m.Direction == "outbound" {
			arrow = "->"
		}
		body := m.Body
		if body == "" {
			body = "[" + m.Kind + "]"
		}
		fmt.Printf("%s %s %s  [%s]\n", ts, arrow, body, m.Status)
	}
}

func request(ctx context.Context, method, url string, body, out any) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot reach daemon at %s: %v\n", url, err)
		os.Exit(1)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Message != "" {
			fmt.Fprintf(os.Stderr, "error: %s (%s)\n", apiErr.Message, apiErr.Code)
		} else {
			fmt.Fprintf(os.Stderr, "error: daemon returned %d\n", resp.StatusCode)
		}
		os.Exit(1)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	}
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
