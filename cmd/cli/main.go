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
	apiKey    string
	timeout   string
	language  string
	memoryMB  int64
	sandboxID string
	network   string
	validate  bool
	depsFlag  []string
	inputFile string
	ownerFlag string
	taskID    string
)

func main() {
	root := &cobra.Command{
		Use:   "sandbox-cli",
		Short: "CLI client for agent-exec-sandbox",
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("SANDBOX_API_KEY"), "API key")

	execCmd := &cobra.Command{
		Use:   "exec [code]",
		Short: "Execute code in a sandbox",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runExec,
	}
	execCmd.Flags().StringVar(&timeout, "timeout", "30s", "Execution timeout")
	execCmd.Flags().StringVarP(&language, "language", "l", "python", "Language (python, javascript, shell)")
	execCmd.Flags().Int64Var(&memoryMB, "memory", 256, "Memory limit in MB")
	execCmd.Flags().StringVar(&sandboxID, "sandbox", "", "Run inside an existing persistent sandbox")
	execCmd.Flags().StringVar(&network, "network", "none", "Network mode (none, bridge)")
	execCmd.Flags().StringSliceVar(&depsFlag, "dep", nil, "Dependency to install before running (repeatable)")
	execCmd.Flags().StringVar(&inputFile, "input", "", "JSON file passed to the program as input")
	execCmd.Flags().StringVar(&taskID, "task-id", "", "Correlation id echoed on the execution record")
	execCmd.Flags().BoolVar(&validate, "validate-only", false, "Validate without executing")
	root.AddCommand(execCmd)

	execFileCmd := &cobra.Command{
		Use:   "exec-file [file]",
		Short: "Execute code from a file",
		Args:  cobra.ExactArgs(1),
		RunE:  runExecFile,
	}
	execFileCmd.Flags().StringVar(&timeout, "timeout", "30s", "Execution timeout")
	execFileCmd.Flags().StringVarP(&language, "language", "l", "", "Language (auto-detected from extension)")
	execFileCmd.Flags().Int64Var(&memoryMB, "memory", 256, "Memory limit in MB")
	execFileCmd.Flags().StringVar(&sandboxID, "sandbox", "", "Run inside an existing persistent sandbox")
	execFileCmd.Flags().StringVar(&network, "network", "none", "Network mode (none, bridge)")
	execFileCmd.Flags().StringSliceVar(&depsFlag, "dep", nil, "Dependency to install before running (repeatable)")
	execFileCmd.Flags().StringVar(&inputFile, "input", "", "JSON file passed to the program as input")
	execFileCmd.Flags().StringVar(&taskID, "task-id", "", "Correlation id echoed on the execution record")
	execFileCmd.Flags().BoolVar(&validate, "validate-only", false, "Validate without executing")
	root.AddCommand(execFileCmd)

	execsCmd := &cobra.Command{
		Use:   "executions",
		Short: "Inspect execution records",
	}
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recent executions",
		RunE:  runList,
	}
	listCmd.Flags().StringVar(&ownerFlag, "owner", "", "Filter by owner (privileged callers only)")
	execsCmd.AddCommand(listCmd)
	execsCmd.AddCommand(&cobra.Command{
		Use:   "get [id]",
		Short: "Show a single execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return doJSON("GET", "/v1/executions/"+args[0], nil)
		},
	})
	execsCmd.AddCommand(&cobra.Command{
		Use:   "cancel [id]",
		Short: "Cancel a running execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return doJSON("DELETE", "/v1/executions/"+args[0], nil)
		},
	})
	root.AddCommand(execsCmd)

	sandboxCmd := &cobra.Command{
		Use:   "sandbox",
		Short: "Manage persistent sandboxes",
	}
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a persistent sandbox",
		RunE:  runSandboxCreate,
	}
	createCmd.Flags().StringVarP(&language, "language", "l", "python", "Language image for the sandbox")
	createCmd.Flags().Int64Var(&memoryMB, "memory", 256, "Memory limit in MB")
	createCmd.Flags().StringVar(&network, "network", "none", "Network mode (none, bridge)")
	sandboxCmd.AddCommand(createCmd)
	sandboxCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List your sandboxes",
		RunE: func(_ *cobra.Command, _ []string) error {
			return doJSON("GET", "/v1/sandboxes", nil)
		},
	})
	sandboxCmd.AddCommand(&cobra.Command{
		Use:   "destroy [id]",
		Short: "Destroy a sandbox",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return doJSON("DELETE", "/v1/sandboxes/"+args[0], nil)
		},
	})
	root.AddCommand(sandboxCmd)

	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE:  runHealth,
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runExec(cmd *cobra.Command, args []string) error {
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

func runExecFile(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}

	if language == "" {
		language, err = detectLanguage(args[0])
		if err != nil {
			return err
		}
	}

	return executeCode(string(data), language)
}

// detectLanguage maps a file extension to a language tag the server knows.
func detectLanguage(path string) (string, error) {
	switch ext := fileExtension(path); ext {
	case ".py":
		return "python", nil
	case ".js":
		return "javascript", nil
	case ".sh":
		return "shell", nil
	default:
		return "", fmt.Errorf("cannot detect language for extension %q, use --language flag", ext)
	}
}

func executeCode(code, lang string) error {
	payload := map[string]any{
		"code":     code,
		"language": lang,
	}

	path := "/v1/validate"
	if !validate {
		path = "/v1/execute"
		payload["timeout"] = timeout
		payload["network"] = network
		payload["limits"] = map[string]any{
			"memory_mb":  memoryMB,
			"cpu_shares": 512,
			"pids_limit": 50,
			"disk_mb":    100,
		}
		if sandboxID != "" {
			payload["sandbox_id"] = sandboxID
		}
		if taskID != "" {
			payload["task_id"] = taskID
		}
		if len(depsFlag) > 0 {
			payload["dependencies"] = depsFlag
		}
		if inputFile != "" {
			raw, err := os.ReadFile(inputFile)
			if err != nil {
				return fmt.Errorf("reading input file: %w", err)
			}
			if !json.Valid(raw) {
				return fmt.Errorf("input file %s is not valid JSON", inputFile)
			}
			payload["input"] = json.RawMessage(raw)
		}
	}

	result, err := postJSON(path, payload)
	if err != nil {
		return err
	}

	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(formatted))

	// Exit with the program's exit code so shells can chain on failure.
	if summary, ok := result["summary"].(map[string]any); ok {
		if exitCode, ok := summary["exit_code"].(float64); ok && exitCode != 0 {
			os.Exit(int(exitCode))
		}
	}

	return nil
}

func runSandboxCreate(_ *cobra.Command, _ []string) error {
	result, err := postJSON("/v1/sandboxes", map[string]any{
		"language": language,
		"network":  network,
		"limits": map[string]any{
			"memory_mb":  memoryMB,
			"cpu_shares": 512,
			"pids_limit": 50,
			"disk_mb":    100,
		},
	})
	if err != nil {
		return err
	}
	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(formatted))
	return nil
}

func runList(_ *cobra.Command, _ []string) error {
	path := "/v1/executions"
	if ownerFlag != "" {
		path += "?owner=" + ownerFlag
	}
	return doJSON("GET", path, nil)
}

func runHealth(_ *cobra.Command, _ []string) error {
	resp, err := http.Get(serverURL + "/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	var result map[string]any
	json.NewDecoder(resp.Body).Decode(&result)
	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(formatted))
	return nil
}

func postJSON(path string, payload map[string]any) (map[string]any, error) {
	body, _ := json.Marshal(payload)

	req, err := http.NewRequest("POST", serverURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	client := &http.Client{Timeout: 70 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return result, nil
}

func doJSON(method, path string, body io.Reader) error {
	req, err := http.NewRequest(method, serverURL+path, body)
	if err != nil {
		return err
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var result any
	json.NewDecoder(resp.Body).Decode(&result)
	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(formatted))
	return nil
}

func fileExtension(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		switch path[i] {
		case '.':
			return path[i:]
		case '/':
			return ""
		}
	}
	return ""
}
