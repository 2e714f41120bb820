// Command mailvault manages a forensic email archive from the shell.
//
// Usage:
//
//	mailvault -db case.db import <file-or-dir> ...
//	mailvault -db case.db search [-term t] [-from a] [-tag t] [-page n]
//	mailvault -db case.db show <msgid>
//	mailvault -db case.db export <msgid> [file]
//	mailvault -db case.db tag <msgid> [tag ...]
//	mailvault -db case.db contacts [-term t]
//	mailvault -db case.db attachments [-filename f]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"crawshaw.io/iox"
	"vaulted.ink/vault"
)

var version = "unknown" // filled in by "-ldflags=-X main.version=<val>"

func main() {
	log.SetFlags(0)

	flagDB := flag.String("db", "", "archive database file")
	flagVerbose := flag.Bool("v", false, "log archive internals")
	flag.Usage = usage
	flag.Parse()

	if *flagDB == "" || flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	filer := iox.NewFiler(0)
	tempdir, err := ioutil.TempDir("", "mailvault-")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(tempdir)
	filer.SetTempdir(tempdir)

	a, err := vault.Open(filer, *flagDB, 4)
	if err != nil {
		log.Fatal(err)
	}
	defer a.Close()
	if *flagVerbose {
		a.Logf = log.Printf
	}

	ctx := context.Background()
	cmd, args := flag.Arg(0), flag.Args()[1:]

	switch cmd {
	case "import":
		err = cmdImport(ctx, a, args)
	case "search":
		err = cmdSearch(ctx, a, args)
	case "show":
		err = cmdShow(ctx, a, args)
	case "export":
		err = cmdExport(ctx, a, args)
	case "tag":
		err = cmdTag(ctx, a, args)
	case "contacts":
		err = cmdContacts(ctx, a, args)
	case "attachments":
		err = cmdAttachments(ctx, a, args)
	case "version":
		fmt.Printf("mailvault %s\n", version)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatal(err)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: mailvault -db <file> <command> [args]

commands:
  import <file-or-dir> ...   archive message files (.eml), recursing into directories
  search [flags]             list messages
  show <msgid>               print one message's record and text
  export <msgid> [file]      write the canonical message bytes
  tag <msgid> [tag ...]      set (or with no tags, print) a message's tags
  contacts [-term t]         list contacts
  attachments [flags]        list attachments
`)
}

// cmdImport archives every named file, recursing into directories. A
// malformed message is reported and skipped; the batch continues.
func cmdImport(ctx context.Context, a *vault.Archive, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("import: no files named")
	}
	var imported, duplicates, errored int
	for _, arg := range args {
		err := filepath.Walk(arg, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if info.IsDir() {
				return nil
			}
			f, err := os.Open(path)
			if err != nil {
				log.Printf("%s: %v", path, err)
				errored++
				return nil
			}
			source, _ := json.Marshal(map[string]string{
				"format": "eml",
				"path":   path,
			})
			res, err := a.Import(ctx, f, vault.ImportMeta{
				IDate:  info.ModTime(),
				Source: source,
			})
			f.Close()
			switch {
			case err != nil:
				log.Printf("%s: %v", path, err)
				errored++
			case res.Duplicate:
				log.Printf("%s: duplicate of %v", path, res.ID)
				duplicates++
			default:
				log.Printf("%s: %v (%d bytes)", path, res.ID, res.Size)
				imported++
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	log.Printf("imported %d, %d duplicates, %d errored", imported, duplicates, errored)
	return nil
}

func cmdSearch(ctx context.Context, a *vault.Archive, args []string) error {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	term := fs.String("term", "", "full-text search over subject and body")
	subject := fs.String("subject", "", "subject substring")
	from := fs.String("from", "", "sender name or address substring")
	to := fs.String("to", "", "recipient name or address substring")
	tag := fs.String("tag", "", "comma-separated tags, all required")
	graph := fs.String("graph", "", "conversation membership by message id")
	page := fs.Int("page", 1, "page number")
	pageSize := fs.Int("pagesize", 20, "rows per page")
	fs.Parse(args)

	q := vault.Query{
		Term:    *term,
		Subject: *subject,
		Page:    *page, PageSize: *pageSize,
	}
	if *from != "" {
		q.From = vault.One(*from)
	}
	if *to != "" {
		q.AnyTo = vault.One(*to)
	}
	if *tag != "" {
		q.Tags = strings.Split(*tag, ",")
	}
	if *graph != "" {
		q.Graph = vault.One(*graph)
	}

	msgs, info, err := a.Messages(ctx, q)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		date := ""
		if !m.HdrDate.IsZero() {
			date = m.HdrDate.Format("2006-01-02")
		}
		fmt.Printf("%-8v %-10s %-30.30s %s\n", m.ID, date, m.From, m.Subject)
	}
	fmt.Printf("page %d of %d (%d messages)\n", info.Page, info.Pages, info.Total)
	return nil
}

func parseMsgID(arg string) (vault.MsgID, error) {
	n, err := strconv.ParseInt(strings.TrimPrefix(arg, "m"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad message id %q", arg)
	}
	return vault.MsgID(n), nil
}

func cmdShow(ctx context.Context, a *vault.Archive, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("show: want one message id")
	}
	id, err := parseMsgID(args[0])
	if err != nil {
		return err
	}
	m, found, err := a.Message(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("no message %v", id)
	}

	fmt.Printf("Message:  %v\n", m.ID)
	fmt.Printf("From:     %s\n", m.From)
	fmt.Printf("To:       %s\n", m.To)
	if m.CC != "" {
		fmt.Printf("CC:       %s\n", m.CC)
	}
	if !m.HdrDate.IsZero() {
		fmt.Printf("Date:     %s\n", m.HdrDate.Format(time.RFC1123Z))
	}
	fmt.Printf("Subject:  %s\n", m.Subject)
	fmt.Printf("Imported: %s (%d bytes, sha256 %s)\n",
		m.IDate.Format(time.RFC3339), m.Size, m.ContentHash)
	if len(m.Tags) > 0 {
		fmt.Printf("Tags:     %s\n", strings.Join(m.Tags, ", "))
	}
	if m.ParseError != "" {
		fmt.Printf("Defects:  %s\n", m.ParseError)
	}
	for _, att := range m.Attachments {
		fmt.Printf("Attached: %v %s (%s, %d bytes)\n", att.ID, att.Filename, att.ContentType, att.Size)
	}

	texts, err := a.TextParts(ctx, id)
	if err != nil {
		return err
	}
	for _, t := range texts {
		if t.ContentType != "text/plain" {
			continue
		}
		fmt.Printf("\n%s\n", t.Text)
	}
	return nil
}

func cmdExport(ctx context.Context, a *vault.Archive, args []string) error {
	if len(args) == 0 || len(args) > 2 {
		return fmt.Errorf("export: want message id and optional output file")
	}
	id, err := parseMsgID(args[0])
	if err != nil {
		return err
	}
	var dst io.Writer = os.Stdout
	if len(args) == 2 {
		f, err := os.Create(args[1])
		if err != nil {
			return err
		}
		defer f.Close()
		dst = f
	}
	return a.ExportSource(ctx, id, dst)
}

func cmdTag(ctx context.Context, a *vault.Archive, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("tag: want message id")
	}
	id, err := parseMsgID(args[0])
	if err != nil {
		return err
	}
	if len(args) == 1 {
		tags, err := a.Tags(ctx, id)
		if err != nil {
			return err
		}
		fmt.Println(strings.Join(tags, ", "))
		return nil
	}
	return a.SetTags(ctx, id, args[1:])
}

func cmdContacts(ctx context.Context, a *vault.Archive, args []string) error {
	fs := flag.NewFlagSet("contacts", flag.ExitOnError)
	term := fs.String("term", "", "name or address substring")
	page := fs.Int("page", 1, "page number")
	fs.Parse(args)

	contacts, info, err := a.QueryContacts(ctx, vault.Query{Term: *term, Page: *page})
	if err != nil {
		return err
	}
	for _, c := range contacts {
		fmt.Printf("%-8v %-30.30s %s\n", c.ID, c.DisplayName, c.NormAddr)
	}
	fmt.Printf("page %d of %d (%d contacts)\n", info.Page, info.Pages, info.Total)
	return nil
}

func cmdAttachments(ctx context.Context, a *vault.Archive, args []string) error {
	fs := flag.NewFlagSet("attachments", flag.ExitOnError)
	filename := fs.String("filename", "", "filename substring")
	contentType := fs.String("type", "", "exact content type")
	hash := fs.String("hash", "", "exact content hash")
	page := fs.Int("page", 1, "page number")
	fs.Parse(args)

	q := vault.Query{Page: *page}
	if *filename != "" || *contentType != "" || *hash != "" {
		q.Attachments = &vault.AttachmentFilter{
			Filename:    *filename,
			ContentType: *contentType,
			Hash:        *hash,
		}
	}
	atts, info, err := a.QueryAttachments(ctx, q)
	if err != nil {
		return err
	}
	for _, att := range atts {
		fmt.Printf("%-8v %-8v %-30.30s %-20s %d\n", att.ID, att.MsgID, att.Filename, att.ContentType, att.Size)
	}
	fmt.Printf("page %d of %d (%d attachments)\n", info.Page, info.Pages, info.Total)
	return nil
}
