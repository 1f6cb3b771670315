package app

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/blackwell-systems/bookledger/internal/catalog"
)

func newBooksCmd() *cobra.Command {
	var f catalog.Filter

	cmd := &cobra.Command{
		Use:   "books",
		Short: "List published books from the index",
		Example: `  bookledger books
  bookledger books --search golang --active
  bookledger books --offset 20 --limit 20 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(s *services) error {
				books, total, err := s.index.ListBooks(cmd.Context(), f)
				if err != nil {
					return err
				}
				if flagJSON {
					return printJSON(books)
				}
				if len(books) == 0 {
					warn("No books found")
					return nil
				}
				for _, b := range books {
					printBookLine(b)
				}
				if total > len(books) {
					fmt.Printf("\n%d of %d shown\n", len(books), total)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Search, "search", "", "Match title, author or description")
	cmd.Flags().BoolVar(&f.ActiveOnly, "active", false, "Only books still for sale")
	cmd.Flags().IntVar(&f.Offset, "offset", 0, "Skip this many books")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "Show at most this many books")
	return cmd
}

func printBookLine(b catalog.Book) {
	line := fmt.Sprintf("%6d  %-40s  %-24s  %8d  %5d sold", b.LedgerID, truncate(b.Title, 40), truncate(b.AuthorName, 24), b.PriceMinorUnits, b.TotalSales)
	if !b.Active {
		line += "  " + color.RedString("inactive")
	}
	fmt.Println(line)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
