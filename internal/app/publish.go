package app

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/blackwell-systems/bookledger/internal/catalog"
	"github.com/blackwell-systems/bookledger/internal/ingest"
)

// maxAssetSize bounds what publish reads into memory per asset.
const maxAssetSize = 512 << 20

type publishParams struct {
	pdf         string
	cover       string
	publisher   string
	title       string
	author      string
	description string
	price       int64
	royalty     int
}

func newPublishCmd() *cobra.Command {
	var p publishParams

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a book: upload, record on the ledger and index it",
		Long: `Publish a book and wait until the job is Published or Failed.

The PDF and cover may be local paths or http(s) URLs. Title and author
default to the PDF's embedded metadata when not given.

Publishing the same PDF and cover again for the same publisher returns the
existing job. A Failed job is restarted from the upload stage.`,
		Example: `  bookledger publish --pdf go-basics.pdf --cover cover.png \
    --publisher 0xAB12 --price 1000 --royalty 10`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			draft, err := loadDraft(p)
			if err != nil {
				return err
			}
			return withServices(cmd.Context(), func(s *services) error {
				jobID, err := s.publisher.Submit(cmd.Context(), draft)
				if err != nil {
					return err
				}
				job, err := s.publisher.GetStatus(cmd.Context(), jobID)
				if err != nil {
					return err
				}
				if job.Status == catalog.StatusFailed {
					printJob(job)
					return fmt.Errorf("publication %s failed: %s", jobID, job.LastError)
				}
				ok("Published %q as ledger id %d", job.Title, job.LedgerID)
				printJob(job)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&p.pdf, "pdf", "", "PDF file path or URL (required)")
	cmd.Flags().StringVar(&p.cover, "cover", "", "Cover image path or URL (required)")
	cmd.Flags().StringVar(&p.publisher, "publisher", "", "Publisher account (required)")
	cmd.Flags().StringVar(&p.title, "title", "", "Book title (default: PDF metadata)")
	cmd.Flags().StringVar(&p.author, "author", "", "Author name (default: PDF metadata)")
	cmd.Flags().StringVar(&p.description, "description", "", "Short description")
	cmd.Flags().Int64Var(&p.price, "price", 0, "Price in minor units (required)")
	cmd.Flags().IntVar(&p.royalty, "royalty", 0, "Author royalty percent, 0-100")
	_ = cmd.MarkFlagRequired("pdf")
	_ = cmd.MarkFlagRequired("cover")
	_ = cmd.MarkFlagRequired("publisher")
	_ = cmd.MarkFlagRequired("price")
	return cmd
}

// loadDraft reads both assets and fills missing title and author from the
// PDF metadata.
func loadDraft(p publishParams) (catalog.Draft, error) {
	pdf, err := readAsset(p.pdf)
	if err != nil {
		return catalog.Draft{}, fmt.Errorf("pdf: %w", err)
	}
	cover, err := readAsset(p.cover)
	if err != nil {
		return catalog.Draft{}, fmt.Errorf("cover: %w", err)
	}

	d := catalog.Draft{
		PublisherID:     p.publisher,
		Title:           p.title,
		AuthorName:      p.author,
		Description:     p.description,
		PriceMinorUnits: p.price,
		RoyaltyPercent:  p.royalty,
		PDF:             pdf,
		Cover:           cover,
	}
	if d.Title == "" || d.AuthorName == "" {
		if meta := ingest.ParsePDFMetadata(pdf); meta != nil {
			if d.Title == "" {
				d.Title = meta.Title
			}
			if d.AuthorName == "" {
				d.AuthorName = meta.Author
			}
		}
	}
	if strings.TrimSpace(d.Title) == "" {
		d.Title = strings.TrimSuffix(filepath.Base(p.pdf), filepath.Ext(p.pdf))
	}
	return d, d.Validate()
}

func readAsset(input string) ([]byte, error) {
	src, err := ingest.Resolve(input)
	if err != nil {
		return nil, err
	}
	return ingest.ReadAll(src, maxAssetSize)
}
