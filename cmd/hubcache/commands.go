package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/hubcache/internal/config"
	"github.com/kalambet/hubcache/internal/refresh"
)

// --- refresh ---

var refreshCmd = &cobra.Command{
	Use:   "refresh <type>",
	Short: "Fetch a CRM object type from HubSpot into the cache",
	Long: `Fetch a CRM object type from HubSpot into the local cache and vector index.

Types: company, contact, deal, email, conversation_thread

Examples:
  hubcache refresh company
  hubcache refresh deal --limit 50 --after 12345
  hubcache refresh contact --all`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := refresh.ParseDataType(args[0]); err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")
		after, _ := cmd.Flags().GetString("after")
		all, _ := cmd.Flags().GetBool("all")

		q := url.Values{}
		if limit > 0 {
			q.Set("limit", strconv.Itoa(limit))
		}
		if after != "" {
			q.Set("after", after)
		}
		if all {
			q.Set("all", "true")
		}
		path := "/refresh/" + args[0]
		if len(q) > 0 {
			path += "?" + q.Encode()
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if all {
			printStep("Fetching all pages of %s...", args[0])
		}
		resp, err := client.post(cmd.Context(), path, nil)
		if err != nil {
			return err
		}

		res, err := decodeRefreshResult(resp)
		if err != nil {
			return err
		}
		return reportRefresh(res)
	},
}

func init() {
	refreshCmd.Flags().Int("limit", 0, "page size (default 100)")
	refreshCmd.Flags().String("after", "", "pagination cursor to start from")
	refreshCmd.Flags().Bool("all", false, "follow pagination until the last page")
}

// decodeRefreshResult accepts the 502 returned for failed refreshes, whose
// body is still a refresh result.
func decodeRefreshResult(resp *http.Response) (refresh.Result, error) {
	var res refresh.Result
	if resp.StatusCode != http.StatusBadGateway {
		err := decodeJSON(resp, &res)
		return res, err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return res, fmt.Errorf("server returned %d", resp.StatusCode)
	}
	return res, nil
}

func reportRefresh(res refresh.Result) error {
	if res.Status == refresh.StatusError {
		printError("Refresh of %s failed: %s", res.DataType, res.Error)
		if res.ResumeAfter != nil {
			printStatus("Resume with", "--after %s", *res.ResumeAfter)
		}
		printStatus("Stored before failure", "%d", res.Count)
		return fmt.Errorf("refresh failed")
	}

	printSuccess("Refreshed %d %s objects", res.Count, res.DataType)
	printStatus("Pages", "%d", res.Pages)
	if res.Skipped > 0 {
		printWarning("%d objects skipped (no id)", res.Skipped)
	}
	if next := res.Pagination.Next.After; next != nil {
		printStatus("Next cursor", "%s", *next)
	}
	return nil
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Semantic search over cached CRM objects",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		limit, _ := cmd.Flags().GetInt("limit")
		dataType, _ := cmd.Flags().GetString("type")
		asJSON, _ := cmd.Flags().GetBool("json")

		q := url.Values{}
		q.Set("q", query)
		q.Set("limit", strconv.Itoa(limit))
		if dataType != "" {
			q.Set("type", dataType)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/search?"+q.Encode())
		if err != nil {
			return err
		}

		var results []struct {
			Rank            int            `json:"rank"`
			SimilarityScore float64        `json:"similarity_score"`
			Type            string         `json:"type"`
			Data            map[string]any `json:"data"`
		}
		if err := decodeJSON(resp, &results); err != nil {
			return err
		}
		if asJSON {
			return printJSON(results)
		}

		if len(results) == 0 {
			fmt.Println("No results found.")
			return nil
		}
		for _, r := range results {
			fmt.Printf("%s %s [score: %.3f]\n",
				colorize(colorBold, fmt.Sprintf("%d.", r.Rank)),
				colorize(colorCyan, r.Type),
				r.SimilarityScore,
			)
			fmt.Printf("   %s\n", truncate(objectLabel(r.Data), 200))
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().Int("limit", 10, "maximum number of results")
	searchCmd.Flags().String("type", "", "restrict results to one object type")
	searchCmd.Flags().Bool("json", false, "print raw JSON results")
}

// objectLabel picks a human-readable line for a cached CRM object.
func objectLabel(data map[string]any) string {
	fields := data
	if props, ok := data["properties"].(map[string]any); ok {
		fields = props
	}
	str := func(k string) string {
		s, _ := fields[k].(string)
		return strings.TrimSpace(s)
	}

	var parts []string
	for _, k := range []string{"name", "dealname", "subject"} {
		if v := str(k); v != "" {
			parts = append(parts, v)
			break
		}
	}
	if len(parts) == 0 {
		if full := strings.TrimSpace(str("firstname") + " " + str("lastname")); full != "" {
			parts = append(parts, full)
		}
	}
	if v := str("email"); v != "" {
		parts = append(parts, "<"+v+">")
	}
	if id := data["id"]; id != nil {
		parts = append(parts, fmt.Sprintf("(id %v)", id))
	}
	if len(parts) == 0 {
		b, _ := json.Marshal(data)
		return string(b)
	}
	return strings.Join(parts, " ")
}

// --- objects ---

var objectsCmd = &cobra.Command{
	Use:   "objects",
	Short: "Inspect cached CRM objects",
}

var objectsListCmd = &cobra.Command{
	Use:   "list <type>",
	Short: "List the most recently cached objects of a type",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), fmt.Sprintf("/objects/%s?limit=%d", url.PathEscape(args[0]), limit))
		if err != nil {
			return err
		}

		var objs []map[string]any
		if err := decodeJSON(resp, &objs); err != nil {
			return err
		}
		if len(objs) == 0 {
			fmt.Printf("No cached %s objects.\n", args[0])
			return nil
		}
		for _, obj := range objs {
			ts, _ := obj["_timestamp"].(string)
			fmt.Printf("%s  %s\n", colorize(colorCyan, ts), truncate(objectLabel(obj), 100))
		}
		return nil
	},
}

var objectsShowCmd = &cobra.Command{
	Use:   "show <type> <id>",
	Short: "Show one cached object as JSON",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/objects/"+url.PathEscape(args[0])+"/"+url.PathEscape(args[1]))
		if err != nil {
			return err
		}

		var obj any
		if err := decodeJSON(resp, &obj); err != nil {
			return err
		}
		return printJSON(obj)
	},
}

var objectsDeleteCmd = &cobra.Command{
	Use:   "delete <type> <id>",
	Short: "Remove one object from the cache",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/objects/"+url.PathEscape(args[0])+"/"+url.PathEscape(args[1]))
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Deleted %s %s", args[0], args[1])
		return nil
	},
}

func init() {
	objectsListCmd.Flags().Int("limit", 20, "maximum number of objects to list")
	objectsCmd.AddCommand(objectsListCmd)
	objectsCmd.AddCommand(objectsShowCmd)
	objectsCmd.AddCommand(objectsDeleteCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadUnchecked()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value. Secret keys (hubspot.access_token,
embedding.api_key, server.api_token) are written to the secrets file.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s", key)
		return nil
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List valid configuration keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, k := range config.ValidKeys() {
			fmt.Println(k)
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configKeysCmd)
}
