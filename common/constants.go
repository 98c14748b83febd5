package common

// InvalidPageID is the sentinel page id denoting absence of a page.
const InvalidPageID int64 = -1

// HeaderPageID names the bootstrap page that stores the index-name -> root-page-id table.
const HeaderPageID int64 = 0

// PageSize is the fixed size of every on-disk page, in bytes.
const PageSize int = 4096
