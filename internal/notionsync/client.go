package notionsync

import (
	"context"
	"fmt"

	"github.com/jomei/notionapi"
)

// queryPageSize is the largest page the Notion query endpoint returns.
const queryPageSize = 100

// NotionClient implements NotionService on the jomei/notionapi SDK.
type NotionClient struct {
	databases notionapi.DatabaseService
	pages     notionapi.PageService
}

// NewNotionClient creates a NotionClient for the integration token. The SDK
// retries rate-limited requests up to retries times.
func NewNotionClient(token string, retries int) *NotionClient {
	c := notionapi.NewClient(notionapi.Token(token), notionapi.WithRetry(retries))
	return &NotionClient{databases: c.Database, pages: c.Page}
}

// ListPages returns every page of the database, following the query cursor
// until Notion reports no more results.
func (n *NotionClient) ListPages(ctx context.Context, databaseID string) ([]notionapi.Page, error) {
	var all []notionapi.Page
	var cursor notionapi.Cursor

	for {
		req := &notionapi.DatabaseQueryRequest{
			PageSize:    queryPageSize,
			StartCursor: cursor,
		}
		resp, err := n.databases.Query(ctx, notionapi.DatabaseID(databaseID), req)
		if err != nil {
			return nil, fmt.Errorf("ListPages: after %d pages: %w", len(all), err)
		}
		all = append(all, resp.Results...)

		if !resp.HasMore || resp.NextCursor == "" {
			return all, nil
		}
		if resp.NextCursor == cursor {
			return nil, fmt.Errorf("ListPages: cursor %q did not advance", cursor)
		}
		cursor = resp.NextCursor
	}
}

// CreatePage adds a page with properties to the database.
func (n *NotionClient) CreatePage(ctx context.Context, databaseID string, properties notionapi.Properties) (*notionapi.Page, error) {
	req := &notionapi.PageCreateRequest{
		Parent: notionapi.Parent{
			Type:       notionapi.ParentTypeDatabaseID,
			DatabaseID: notionapi.DatabaseID(databaseID),
		},
		Properties: properties,
	}

	page, err := n.pages.Create(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("CreatePage: %w", err)
	}
	return page, nil
}

// UpdatePage overwrites the given properties of a page.
func (n *NotionClient) UpdatePage(ctx context.Context, pageID string, properties notionapi.Properties) (*notionapi.Page, error) {
	page, err := n.pages.Update(ctx, notionapi.PageID(pageID), &notionapi.PageUpdateRequest{Properties: properties})
	if err != nil {
		return nil, fmt.Errorf("UpdatePage %s: %w", pageID, err)
	}
	return page, nil
}

// ArchivePage moves a page to the trash.
func (n *NotionClient) ArchivePage(ctx context.Context, pageID string) error {
	if _, err := n.pages.Update(ctx, notionapi.PageID(pageID), &notionapi.PageUpdateRequest{Archived: true}); err != nil {
		return fmt.Errorf("ArchivePage %s: %w", pageID, err)
	}
	return nil
}
