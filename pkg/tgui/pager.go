package tgui

import "fmt"

// PageCount returns how many pages of the given size a total needs, at
// least 1.
func PageCount(total, size int) int {
	if size <= 0 {
		size = 10
	}
	if total <= 0 {
		return 1
	}
	pages := total / size
	if total%size != 0 {
		pages++
	}
	return pages
}

// PageLabel returns a compact pagination label. page is 1-based.
func PageLabel(page, size, total int) string {
	if size <= 0 {
		size = 10
	}
	if total <= 0 {
		return "Page 1/1"
	}
	pages := PageCount(total, size)
	if page < 1 {
		page = 1
	}
	if page > pages {
		page = pages
	}
	from := (page-1)*size + 1
	to := page * size
	if to > total {
		to = total
	}
	return fmt.Sprintf("Page %d/%d • %d-%d of %d", page, pages, from, to, total)
}
