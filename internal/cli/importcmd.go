package cli

import (
	"encoding/xml"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/ppiankov/digestpipe/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	importDryRun bool
	importStream string
	importTopic  string
)

var importCmd = &cobra.Command{
	Use:   "import <file.opml>",
	Short: "Add the feeds of an OPML file to tracker.feeds",
	Long: "Import adds every feed of an OPML export to tracker.feeds, posting into --stream. " +
		"Each feed gets its own topic named after the outline title unless --topic is given.",
	Args: cobra.ExactArgs(1),
	RunE: importAction,
}

func init() {
	importCmd.Flags().BoolVar(&importDryRun, "dry-run", false, "show what would be added without modifying config")
	importCmd.Flags().StringVar(&importStream, "stream", "", "stream to post the imported feeds to (required)")
	importCmd.Flags().StringVar(&importTopic, "topic", "", "topic for every imported feed (default: the feed title)")
	rootCmd.AddCommand(importCmd)
}

type opml struct {
	Body opmlBody `xml:"body"`
}

type opmlBody struct {
	Outlines []opmlOutline `xml:"outline"`
}

type opmlOutline struct {
	XMLURL   string        `xml:"xmlUrl,attr"`
	Text     string        `xml:"text,attr"`
	Title    string        `xml:"title,attr"`
	Outlines []opmlOutline `xml:"outline"`
}

// importedFeed is one feed to add along with its chat destination.
type importedFeed struct {
	URL  string
	Dest config.Destination
}

func importAction(_ *cobra.Command, args []string) error {
	if strings.TrimSpace(importStream) == "" {
		return errors.New("--stream is required")
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read OPML: %w", err)
	}

	var doc opml
	if err := xml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse OPML: %w", err)
	}

	feeds := extractFeeds(doc.Body.Outlines, importStream, importTopic)
	if len(feeds) == 0 {
		fmt.Println("No feed URLs found in OPML file.")
		return nil
	}

	cfg, err := config.Load(configDir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	existing := make(map[string]bool)
	for _, f := range cfg.Tracker.Feeds {
		existing[f.ID] = true
	}

	var added []importedFeed
	skipped := 0
	for _, f := range feeds {
		if existing[f.URL] {
			skipped++
			continue
		}
		existing[f.URL] = true
		added = append(added, f)
	}

	if len(added) == 0 {
		fmt.Printf("All %d feeds already present, nothing to add.\n", skipped)
		return nil
	}

	if importDryRun {
		fmt.Printf("Would add %d feeds (skipping %d duplicates):\n", len(added), skipped)
		for _, f := range added {
			fmt.Printf("  + %s -> %s/%s\n", f.URL, f.Dest.Stream, f.Dest.Topic)
		}
		return nil
	}

	configPath := filepath.Join(configDir, config.DefaultConfigFile)
	if err := mergeFeeds(configPath, added); err != nil {
		return fmt.Errorf("merge feeds: %w", err)
	}

	fmt.Printf("Added %d feeds, skipped %d duplicates.\n", len(added), skipped)
	return nil
}

// extractFeeds walks outlines, folders included. Without a fixed topic each
// feed is posted under its title, or its host when untitled.
func extractFeeds(outlines []opmlOutline, stream, topic string) []importedFeed {
	var feeds []importedFeed
	for _, o := range outlines {
		u := strings.TrimSpace(o.XMLURL)
		if u != "" && (strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://")) {
			t := topic
			if t == "" {
				t = feedTopic(o, u)
			}
			feeds = append(feeds, importedFeed{URL: u, Dest: config.Destination{Stream: stream, Topic: t}})
		}
		feeds = append(feeds, extractFeeds(o.Outlines, stream, topic)...)
	}
	return feeds
}

func feedTopic(o opmlOutline, rawURL string) string {
	for _, s := range []string{o.Title, o.Text} {
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		return u.Host
	}
	return rawURL
}

// mergeFeeds reads config.yaml as a yaml.Node tree, adds feeds to the
// tracker.feeds mapping and writes it back preserving the rest.
func mergeFeeds(configPath string, feeds []importedFeed) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse config YAML: %w", err)
	}

	feedsNode := findFeedsNode(&doc)
	if feedsNode == nil {
		return errors.New("config.yaml is not a mapping")
	}

	for _, f := range feeds {
		feedsNode.Content = append(feedsNode.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: f.URL, Style: yaml.DoubleQuotedStyle},
			&yaml.Node{
				Kind:  yaml.SequenceNode,
				Tag:   "!!seq",
				Style: yaml.FlowStyle,
				Content: []*yaml.Node{
					{Kind: yaml.ScalarNode, Tag: "!!str", Value: f.Dest.Stream},
					{Kind: yaml.ScalarNode, Tag: "!!str", Value: f.Dest.Topic},
				},
			},
		)
	}

	out, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(configPath, out, 0o644)
}

// findFeedsNode returns the mapping node at tracker.feeds, creating the
// tracker and feeds keys when absent. It returns nil when the document root
// is not a mapping.
func findFeedsNode(doc *yaml.Node) *yaml.Node {
	if doc.Kind == yaml.DocumentNode {
		if len(doc.Content) == 0 {
			doc.Content = append(doc.Content, &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"})
		}
		return findFeedsNode(doc.Content[0])
	}
	if doc.Kind != yaml.MappingNode {
		return nil
	}

	tracker := ensureMapValue(doc, "tracker")
	if tracker == nil {
		return nil
	}
	return ensureMapValue(tracker, "feeds")
}

// ensureMapValue returns the mapping stored under key, adding an empty one
// when the key is missing or null.
func ensureMapValue(mapping *yaml.Node, key string) *yaml.Node {
	v := findMapValue(mapping, key)
	switch {
	case v == nil:
		v = &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		mapping.Content = append(mapping.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}, v)
	case v.Kind == yaml.ScalarNode && v.Tag == "!!null":
		v.Kind, v.Tag, v.Value = yaml.MappingNode, "!!map", ""
	}
	if v.Kind != yaml.MappingNode {
		return nil
	}
	// Flow style empty maps ("feeds: {}") would otherwise stay on one line.
	v.Style = 0
	return v
}

func findMapValue(mapping *yaml.Node, key string) *yaml.Node {
	if mapping.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return mapping.Content[i+1]
		}
	}
	return nil
}
