package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/novabot/novabot-cli/api"
)

func docsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "docs",
		Aliases: []string{"documents"},
		Short:   "Create, generate and export documents",
	}

	cmd.AddCommand(
		docsListCmd(a),
		docsGetCmd(a),
		docsCreateCmd(a),
		docsGenerateCmd(a),
		docsRegenerateCmd(a),
		docsFinalizeCmd(a),
		docsExportCmd(a),
		docsConvertCmd(a),
		docsFormatsCmd(a),
	)
	return cmd
}

func docsListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List your documents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.session(cmd)
			if err != nil {
				return err
			}
			docs, err := c.ListDocuments(cmd.Context())
			if err != nil {
				return err
			}
			if len(docs) == 0 {
				cmd.Println("No documents found. Use `novabot docs generate` to create one.")
				return nil
			}

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"ID", "Type", "Title", "Updated"})
			table.SetColMinWidth(2, 40)
			table.SetAlignment(tablewriter.ALIGN_LEFT)
			table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
			table.SetAutoWrapText(false)
			table.SetRowLine(false)

			for _, d := range docs {
				table.Append([]string{
					strconv.FormatInt(d.ID, 10),
					d.DocType,
					strings.ReplaceAll(d.Title, "\n", " "),
					d.UpdatedAt,
				})
			}
			table.Render()
			return nil
		},
	}
}

func docsGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Print a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseDocumentID(args[0])
			if err != nil {
				return err
			}
			c, err := a.session(cmd)
			if err != nil {
				return err
			}
			doc, err := c.GetDocument(cmd.Context(), id)
			if err != nil {
				return err
			}
			printDocument(cmd, doc)
			return nil
		},
	}
}

func docsCreateCmd(a *app) *cobra.Command {
	var in api.NewDocument
	var file string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Store a document as written",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if file != "" {
				content, err := readInput(cmd, file)
				if err != nil {
					return err
				}
				in.Content = content
			}
			if in.Title == "" || in.Content == "" {
				return errors.New("a title and content (--content or --file) are required")
			}

			c, err := a.session(cmd)
			if err != nil {
				return err
			}
			doc, err := c.CreateDocument(cmd.Context(), in)
			if err != nil {
				return err
			}
			cmd.Printf("Created document %d.\n", doc.ID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&in.DocType, "type", "t", "general", "Document type")
	cmd.Flags().StringVar(&in.Title, "title", "", "Document title")
	cmd.Flags().StringVar(&in.Content, "content", "", "Document text")
	cmd.Flags().StringVarP(&file, "file", "f", "", "Read the document text from a file, - for stdin")
	return cmd
}

func docsGenerateCmd(a *app) *cobra.Command {
	var in api.GenerateRequest

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Have the assistant write a document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if in.Prompt == "" {
				return errors.New("--prompt is required")
			}
			c, err := a.session(cmd)
			if err != nil {
				return err
			}

			cmd.PrintErrln("Generating document, this can take a minute...")
			doc, err := c.GenerateDocument(cmd.Context(), in)
			if err != nil {
				return err
			}
			printDocument(cmd, doc)
			return nil
		},
	}

	cmd.Flags().StringVarP(&in.DocType, "type", "t", "general", "Document type, e.g. letter, resume, report")
	cmd.Flags().StringVar(&in.Title, "title", "", "Document title")
	cmd.Flags().StringVarP(&in.Prompt, "prompt", "p", "", "What the document should say")
	return cmd
}

func docsRegenerateCmd(a *app) *cobra.Command {
	var instructions string

	cmd := &cobra.Command{
		Use:   "regenerate <id>",
		Short: "Rewrite a document, optionally following new instructions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseDocumentID(args[0])
			if err != nil {
				return err
			}
			c, err := a.session(cmd)
			if err != nil {
				return err
			}

			cmd.PrintErrln("Regenerating document...")
			doc, err := c.RegenerateDocument(cmd.Context(), id, instructions)
			if err != nil {
				return err
			}
			printDocument(cmd, doc)
			return nil
		},
	}

	cmd.Flags().StringVarP(&instructions, "instructions", "i", "", "Extra instructions for the rewrite")
	return cmd
}

func docsFinalizeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "finalize <id>",
		Short: "Polish a document into its final form",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseDocumentID(args[0])
			if err != nil {
				return err
			}
			c, err := a.session(cmd)
			if err != nil {
				return err
			}
			doc, err := c.FinalizeDocument(cmd.Context(), id, a.chatOptions())
			if err != nil {
				return err
			}
			printDocument(cmd, doc)
			return nil
		},
	}
}

func docsExportCmd(a *app) *cobra.Command {
	var format, output string

	cmd := &cobra.Command{
		Use:   "export <id>",
		Short: "Download a document as a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseDocumentID(args[0])
			if err != nil {
				return err
			}
			c, err := a.session(cmd)
			if err != nil {
				return err
			}
			exp, err := c.ExportDocument(cmd.Context(), id, format)
			if err != nil {
				return err
			}

			path := output
			if path == "" {
				path = exp.Filename
			}
			return writeOutput(cmd, path, exp.Data)
		},
	}

	cmd.Flags().StringVar(&format, "format", api.DefaultExportFormat, "Export format, e.g. txt, pdf, docx")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file, - for stdout (default: name sent by the backend)")
	return cmd
}

func docsConvertCmd(a *app) *cobra.Command {
	var format, output string

	cmd := &cobra.Command{
		Use:   "convert <file>",
		Short: "Convert a local file to another format",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			c, err := a.session(cmd)
			if err != nil {
				return err
			}
			res, err := c.ConvertFile(cmd.Context(), args[0], f, format)
			if err != nil {
				return err
			}
			if !res.OK() {
				msg := res.Message()
				if msg == "" {
					msg = strings.TrimSpace(string(res.Body))
				}
				return fmt.Errorf("conversion failed (status %d): %s", res.Status, msg)
			}

			path := output
			if path == "" {
				path = res.Filename
			}
			if path == "" {
				base := strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
				path = base + "." + format
			}
			return writeOutput(cmd, path, res.Body)
		},
	}

	cmd.Flags().StringVar(&format, "format", api.DefaultExportFormat, "Target format")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file, - for stdout")
	return cmd
}

func docsFormatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "formats",
		Short: "List the formats files can be converted to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.session(cmd)
			if err != nil {
				return err
			}
			formats, err := c.ConvertCapabilities(cmd.Context())
			if err != nil {
				return err
			}
			for _, f := range formats {
				fmt.Fprintln(cmd.OutOrStdout(), f)
			}
			return nil
		},
	}
}

func parseDocumentID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid document ID %q", s)
	}
	return id, nil
}

func printDocument(cmd *cobra.Command, doc *api.Document) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "# %s\n", doc.Title)
	fmt.Fprintf(out, "ID: %d  Type: %s\n\n", doc.ID, doc.DocType)
	fmt.Fprintln(out, doc.Content)
}

// readInput returns the contents of path, or of the command's input for "-".
func readInput(cmd *cobra.Command, path string) (string, error) {
	var r io.Reader = cmd.InOrStdin()
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return "", err
		}
		defer f.Close()
		r = f
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return string(data), nil
}

// writeOutput saves data to path with a progress bar on stderr, or writes
// it to the command's output for "-". The file is written next to its final
// name and renamed into place.
func writeOutput(cmd *cobra.Command, path string, data []byte) error {
	if path == "-" {
		_, err := cmd.OutOrStdout().Write(data)
		return err
	}

	tempFile := path + ".tmp"
	file, err := os.OpenFile(tempFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}

	bar := progressbar.NewOptions64(
		int64(len(data)),
		progressbar.OptionSetDescription(fmt.Sprintf("Saving %s", filepath.Base(path))),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWriter(cmd.ErrOrStderr()),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionSetPredictTime(false),
	)

	_, err = io.Copy(io.MultiWriter(file, bar), bytes.NewReader(data))
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tempFile, path)
	}
	if err != nil {
		if removeErr := os.Remove(tempFile); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
			log.Warn().Err(removeErr).Str("path", tempFile).Msg("failed to remove temp file")
		}
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := bar.Finish(); err != nil {
		log.Debug().Err(err).Msg("progress bar finish failed")
	}

	cmd.Printf("Saved %s (%d bytes).\n", path, len(data))
	return nil
}
