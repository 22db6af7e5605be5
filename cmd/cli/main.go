package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	bearer    string
	timeout   string
	language  string
	memoryMB  int64
	category  string
	since     string
	limit     int
)

func main() {
	root := &cobra.Command{
		Use:   "codegate",
		Short: "CLI client for the codegate execution service",
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	root.PersistentFlags().StringVar(&bearer, "token", os.Getenv("CODEGATE_TOKEN"), "Bearer token")

	loginCmd := &cobra.Command{
		Use:   "login [email]",
		Short: "Obtain a bearer token (password read from CODEGATE_PASSWORD)",
		Args:  cobra.ExactArgs(1),
		RunE:  runLogin,
	}
	root.AddCommand(loginCmd)

	root.AddCommand(&cobra.Command{
		Use:   "logout",
		Short: "Revoke the current token",
		RunE:  runLogout,
	})

	execCmd := &cobra.Command{
		Use:   "exec [code]",
		Short: "Execute code (reads stdin when no argument is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runExec,
	}
	execCmd.Flags().StringVar(&timeout, "timeout", "10s", "Execution timeout")
	execCmd.Flags().StringVarP(&language, "language", "l", "python", "Language (python, node, bash)")
	execCmd.Flags().Int64Var(&memoryMB, "memory", 256, "Memory limit in MB")
	root.AddCommand(execCmd)

	execFileCmd := &cobra.Command{
		Use:   "exec-file [file]",
		Short: "Execute code from a file",
		Args:  cobra.ExactArgs(1),
		RunE:  runExecFile,
	}
	execFileCmd.Flags().StringVar(&timeout, "timeout", "10s", "Execution timeout")
	execFileCmd.Flags().StringVarP(&language, "language", "l", "", "Language (auto-detected from extension)")
	execFileCmd.Flags().Int64Var(&memoryMB, "memory", 256, "Memory limit in MB")
	root.AddCommand(execFileCmd)

	root.AddCommand(&cobra.Command{
		Use:   "get [id]",
		Short: "Fetch a stored execution result",
		Args:  cobra.ExactArgs(1),
		RunE:  runGet,
	})

	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Query audit events",
		RunE:  runAudit,
	}
	auditCmd.Flags().StringVar(&category, "category", "", "Filter by category")
	auditCmd.Flags().StringVar(&since, "since", "", "RFC3339 lower time bound")
	auditCmd.Flags().IntVar(&limit, "limit", 100, "Maximum events")
	root.AddCommand(auditCmd)

	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE:  runHealth,
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runLogin(_ *cobra.Command, args []string) error {
	password := os.Getenv("CODEGATE_PASSWORD")
	if password == "" {
		return fmt.Errorf("set CODEGATE_PASSWORD; passwords are not taken on the command line")
	}

	payload := map[string]string{"email": args[0], "password": password}
	result, status, err := post("/auth/login", payload, "")
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("login failed (status %d)", status)
	}

	tok, _ := result["token"].(string)
	// Print only the token so it can be captured:
	//   export CODEGATE_TOKEN=$(codegate login alice@example.com)
	fmt.Println(tok)
	return nil
}

func runLogout(_ *cobra.Command, _ []string) error {
	result, status, err := post("/auth/logout", nil, bearer)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("logout failed (status %d)", status)
	}
	printJSON(result)
	return nil
}

func runExec(_ *cobra.Command, args []string) error {
	var code string
	if len(args) > 0 {
		code = args[0]
	} else {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		code = string(data)
	}
	return executeCode(code, language)
}

func runExecFile(_ *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}

	if language == "" {
		switch ext := fileExtension(args[0]); ext {
		case ".py":
			language = "python"
		case ".js":
			language = "node"
		case ".sh":
			language = "bash"
		default:
			return fmt.Errorf("cannot detect language for extension %q, use --language flag", ext)
		}
	}

	return executeCode(string(data), language)
}

func executeCode(code, lang string) error {
	payload := map[string]any{
		"code":     code,
		"language": lang,
		"timeout":  timeout,
		"limits": map[string]any{
			"memory_mb": memoryMB,
		},
	}

	result, status, err := post("/execute", payload, bearer)
	if err != nil {
		return err
	}

	printJSON(result)

	if status != http.StatusOK {
		os.Exit(1)
	}
	if exitCode, ok := result["exit_code"].(float64); ok && exitCode != 0 {
		os.Exit(int(exitCode))
	}
	return nil
}

func runGet(_ *cobra.Command, args []string) error {
	return getJSON("/executions/" + args[0])
}

func runAudit(_ *cobra.Command, _ []string) error {
	path := fmt.Sprintf("/audit/events?limit=%d", limit)
	if category != "" {
		path += "&category=" + category
	}
	if since != "" {
		path += "&since=" + since
	}
	return getJSON(path)
}

func runHealth(_ *cobra.Command, _ []string) error {
	return getJSON("/health")
}

func post(path string, payload any, token string) (map[string]any, int, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequest(http.MethodPost, serverURL+path, body)
	if err != nil {
		return nil, 0, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 70 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("decoding response: %w", err)
	}
	return result, resp.StatusCode, nil
}

func getJSON(path string) error {
	req, err := http.NewRequest(http.MethodGet, serverURL+path, nil)
	if err != nil {
		return err
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var result any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(formatted))

	if resp.StatusCode != http.StatusOK {
		os.Exit(1)
	}
	return nil
}

func printJSON(v any) {
	formatted, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(formatted))
}

func fileExtension(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '.' {
			return path[i:]
		}
	}
	return ""
}
