package service

import (
	"context"
	"fmt"

	"github.com/fenwick/atrium/internal/articles"
)

func (d *Dispatcher) articleActions() map[string]handler {
	return map[string]handler{
		"create":         d.articleCreate,
		"list":           d.articleList,
		"get":            d.articleGet,
		"update":         d.articleUpdate,
		"delete":         d.articleDelete,
		"add_tag":        d.articleAddTag,
		"remove_tag":     d.articleRemoveTag,
		"list_tags":      d.articleListTags,
		"fetch_metadata": d.articleFetchMetadata,
	}
}

func (d *Dispatcher) articleCreate(ctx context.Context, c *call) (any, error) {
	a := &articles.Article{
		Title:     strParam(c.params, "title"),
		Authors:   strsParam(c.params, "authors"),
		Abstract:  strParam(c.params, "abstract"),
		Year:      intParam(c.params, "year", 0),
		SourceURL: strParam(c.params, "source_url"),
		ArxivID:   strParam(c.params, "arxiv_id"),
		S2ID:      strParam(c.params, "s2_id"),
		PDFPath:   strParam(c.params, "pdf_path"),
		Tags:      strsParam(c.params, "tags"),
	}
	if err := d.articles.Create(a); err != nil {
		return nil, err
	}
	return map[string]any{"article_id": a.ID}, nil
}

func (d *Dispatcher) articleList(ctx context.Context, c *call) (any, error) {
	list, err := d.articles.List(strParam(c.params, "tag"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"articles": list}, nil
}

func (d *Dispatcher) articleGet(ctx context.Context, c *call) (any, error) {
	id, ok := idParam(c.params)
	if !ok {
		return nil, errMissingID
	}
	a, err := d.articles.Get(id)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// articleUpdate applies only the fields present in params. Tags are
// managed through add_tag/remove_tag and ignored here.
func (d *Dispatcher) articleUpdate(ctx context.Context, c *call) (any, error) {
	id, ok := idParam(c.params)
	if !ok {
		return nil, errMissingID
	}
	a, err := d.articles.Get(id)
	if err != nil {
		return nil, err
	}

	if v := optStrParam(c.params, "title"); v != nil {
		a.Title = *v
	}
	if v := optStrParam(c.params, "abstract"); v != nil {
		a.Abstract = *v
	}
	if v, ok := floatParam(c.params, "year"); ok {
		a.Year = int(v)
	}
	if v := optStrParam(c.params, "source_url"); v != nil {
		a.SourceURL = *v
	}
	if v := optStrParam(c.params, "arxiv_id"); v != nil {
		a.ArxivID = *v
	}
	if v := optStrParam(c.params, "s2_id"); v != nil {
		a.S2ID = *v
	}
	if v := optStrParam(c.params, "pdf_path"); v != nil {
		a.PDFPath = *v
	}
	if _, ok := c.params["authors"]; ok {
		a.Authors = strsParam(c.params, "authors")
	}

	if err := d.articles.Update(a); err != nil {
		return nil, err
	}
	return a, nil
}

func (d *Dispatcher) articleDelete(ctx context.Context, c *call) (any, error) {
	id, ok := idParam(c.params)
	if !ok {
		return nil, errMissingID
	}
	if err := d.articles.Delete(id); err != nil {
		return nil, err
	}
	return map[string]any{"deleted": true}, nil
}

func (d *Dispatcher) articleAddTag(ctx context.Context, c *call) (any, error) {
	return d.changeTag(c, d.articles.AddTag)
}

func (d *Dispatcher) articleRemoveTag(ctx context.Context, c *call) (any, error) {
	return d.changeTag(c, d.articles.RemoveTag)
}

// changeTag runs one tag mutation and returns the article's updated
// tag list.
func (d *Dispatcher) changeTag(c *call, op func(int64, string) error) (any, error) {
	id, ok := idParam(c.params)
	if !ok {
		return nil, errMissingID
	}
	tag := strParam(c.params, "tag")
	if tag == "" {
		return nil, fmt.Errorf("tag is required")
	}
	if err := op(id, tag); err != nil {
		return nil, err
	}
	tags, err := d.articles.TagsFor(id)
	if err != nil {
		return nil, err
	}
	return map[string]any{"tags": tags}, nil
}

func (d *Dispatcher) articleListTags(ctx context.Context, c *call) (any, error) {
	tags, err := d.articles.ListTags()
	if err != nil {
		return nil, err
	}
	return map[string]any{"tags": tags}, nil
}

// articleFetchMetadata pulls citation metadata from a web page so
// agents can file an article without hand-copying its title and
// abstract.
func (d *Dispatcher) articleFetchMetadata(ctx context.Context, c *call) (any, error) {
	meta, err := d.fetcher.Metadata(ctx, strParam(c.params, "url"))
	if err != nil {
		return nil, err
	}
	return meta, nil
}
