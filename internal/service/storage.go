package service

import (
	"context"
	"fmt"

	"github.com/fenwick/atrium/internal/notes"
)

// storageActions operate on the requesting agent's private note tree.
// The dispatcher resolves the tree from the requester's id, so no
// request can name another agent's state.
func (d *Dispatcher) storageActions() map[string]handler {
	return map[string]handler{
		"save_raw_input":          d.withTree(storageSaveRawInput),
		"parse_buffer":            d.withTree(storageParseBuffer),
		"clear_buffer":            d.withTree(storageClearBuffer),
		"write_buffer":            d.withTree(storageWriteBuffer),
		"load_topic_index":        d.withTree(storageLoadTopicIndex),
		"save_topic_index":        d.withTree(storageSaveTopicIndex),
		"add_topic":               d.withTree(storageAddTopic),
		"find_topic":              d.withTree(storageFindTopic),
		"load_topic_buffer":       d.withTree(storageLoadTopicBuffer),
		"save_topic_buffer":       d.withTree(storageSaveTopicBuffer),
		"load_topic_note_feed":    d.withTree(storageLoadNoteFeed),
		"save_topic_note_feed":    d.withTree(storageSaveNoteFeed),
		"load_topic_synthesis":    d.withTree(storageLoadSynthesis),
		"save_topic_synthesis":    d.withTree(storageSaveSynthesis),
		"list_topic_notes":        d.withTree(storageListTopicNotes),
		"load_topic_note":         d.withTree(storageLoadTopicNote),
		"save_topic_note":         d.withTree(storageSaveTopicNote),
		"create_topic_note":       d.withTree(storageCreateTopicNote),
		"list_drafts":             d.withTree(storageListDrafts),
		"load_draft":              d.withTree(storageLoadDraft),
		"save_draft":              d.withTree(storageSaveDraft),
		"create_draft":            d.withTree(storageCreateDraft),
		"merge_topics":            d.withTree(storageMergeTopics),
		"get_last_aggregate_time": d.withTree(storageGetLastAggregate),
		"set_last_aggregate_time": d.withTree(storageSetLastAggregate),
		"get_last_sync_time":      d.withTree(storageGetLastSync),
		"set_last_sync_time":      d.withTree(storageSetLastSync),
	}
}

// withTree resolves the caller's note tree before running fn.
func (d *Dispatcher) withTree(fn func(tr *notes.Tree, c *call) (any, error)) handler {
	return func(ctx context.Context, c *call) (any, error) {
		tr, err := d.tree(c.agentID)
		if err != nil {
			return nil, err
		}
		return fn(tr, c)
	}
}

func storageSaveRawInput(tr *notes.Tree, c *call) (any, error) {
	text := strParam(c.params, "text")
	if text == "" {
		return nil, fmt.Errorf("text is required")
	}
	source := strParam(c.params, "source")
	if source == "" {
		source = c.agentID
	}
	entry, err := tr.AppendRaw(text, source)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func storageParseBuffer(tr *notes.Tree, c *call) (any, error) {
	entries, err := tr.ReadBuffer()
	if err != nil {
		return nil, err
	}
	return map[string]any{"entries": entries}, nil
}

func storageClearBuffer(tr *notes.Tree, c *call) (any, error) {
	if err := tr.ClearBuffer(); err != nil {
		return nil, err
	}
	return map[string]any{"cleared": true}, nil
}

func storageWriteBuffer(tr *notes.Tree, c *call) (any, error) {
	var entries []notes.Entry
	if err := decodeParam(c.params, "entries", &entries); err != nil {
		return nil, err
	}
	if err := tr.WriteBuffer(entries); err != nil {
		return nil, err
	}
	return map[string]any{"count": len(entries)}, nil
}

func storageLoadTopicIndex(tr *notes.Tree, c *call) (any, error) {
	topics, err := tr.Topics()
	if err != nil {
		return nil, err
	}
	return map[string]any{"topics": topics}, nil
}

func storageSaveTopicIndex(tr *notes.Tree, c *call) (any, error) {
	var topics []notes.TopicInfo
	if err := decodeParam(c.params, "topics", &topics); err != nil {
		return nil, err
	}
	if err := tr.SaveTopics(topics); err != nil {
		return nil, err
	}
	return map[string]any{"count": len(topics)}, nil
}

func storageAddTopic(tr *notes.Tree, c *call) (any, error) {
	name := strParam(c.params, "name")
	if name == "" {
		return nil, fmt.Errorf("name is required")
	}
	info, err := tr.AddTopic(name)
	if err != nil {
		return nil, err
	}
	return info, nil
}

// storageFindTopic answers {topic: null} for an unknown slug rather
// than erroring; absence is an expected outcome for callers probing
// before add_topic.
func storageFindTopic(tr *notes.Tree, c *call) (any, error) {
	info, err := tr.FindTopic(strParam(c.params, "slug"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"topic": info}, nil
}

func storageLoadTopicBuffer(tr *notes.Tree, c *call) (any, error) {
	entries, err := tr.TopicBuffer(strParam(c.params, "slug"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"entries": entries}, nil
}

func storageSaveTopicBuffer(tr *notes.Tree, c *call) (any, error) {
	var entries []notes.Entry
	if err := decodeParam(c.params, "entries", &entries); err != nil {
		return nil, err
	}
	if err := tr.SaveTopicBuffer(strParam(c.params, "slug"), entries); err != nil {
		return nil, err
	}
	return map[string]any{"count": len(entries)}, nil
}

func storageLoadNoteFeed(tr *notes.Tree, c *call) (any, error) {
	content, err := tr.NoteFeed(strParam(c.params, "slug"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"content": content}, nil
}

func storageSaveNoteFeed(tr *notes.Tree, c *call) (any, error) {
	if err := tr.SaveNoteFeed(strParam(c.params, "slug"), strParam(c.params, "content")); err != nil {
		return nil, err
	}
	return map[string]any{"saved": true}, nil
}

func storageLoadSynthesis(tr *notes.Tree, c *call) (any, error) {
	content, err := tr.Synthesis(strParam(c.params, "slug"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"content": content}, nil
}

func storageSaveSynthesis(tr *notes.Tree, c *call) (any, error) {
	if err := tr.SaveSynthesis(strParam(c.params, "slug"), strParam(c.params, "content")); err != nil {
		return nil, err
	}
	return map[string]any{"saved": true}, nil
}

func storageListTopicNotes(tr *notes.Tree, c *call) (any, error) {
	names, err := tr.ListTopicNotes(strParam(c.params, "slug"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"notes": names}, nil
}

func storageLoadTopicNote(tr *notes.Tree, c *call) (any, error) {
	name := strParam(c.params, "name")
	content, err := tr.TopicNote(strParam(c.params, "slug"), name)
	if err != nil {
		return nil, err
	}
	return map[string]any{"name": name, "content": content}, nil
}

func storageSaveTopicNote(tr *notes.Tree, c *call) (any, error) {
	err := tr.SaveTopicNote(strParam(c.params, "slug"), strParam(c.params, "name"), strParam(c.params, "content"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"saved": true}, nil
}

func storageCreateTopicNote(tr *notes.Tree, c *call) (any, error) {
	name, err := tr.CreateTopicNote(strParam(c.params, "slug"), strParam(c.params, "content"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"name": name}, nil
}

func storageListDrafts(tr *notes.Tree, c *call) (any, error) {
	names, err := tr.ListDrafts()
	if err != nil {
		return nil, err
	}
	return map[string]any{"drafts": names}, nil
}

func storageLoadDraft(tr *notes.Tree, c *call) (any, error) {
	name := strParam(c.params, "name")
	content, err := tr.Draft(name)
	if err != nil {
		return nil, err
	}
	return map[string]any{"name": name, "content": content}, nil
}

func storageSaveDraft(tr *notes.Tree, c *call) (any, error) {
	if err := tr.SaveDraft(strParam(c.params, "name"), strParam(c.params, "content")); err != nil {
		return nil, err
	}
	return map[string]any{"saved": true}, nil
}

func storageCreateDraft(tr *notes.Tree, c *call) (any, error) {
	name, err := tr.CreateDraft(strParam(c.params, "content"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"name": name}, nil
}

func storageMergeTopics(tr *notes.Tree, c *call) (any, error) {
	if err := tr.MergeTopics(strParam(c.params, "from"), strParam(c.params, "to")); err != nil {
		return nil, err
	}
	return map[string]any{"merged": true}, nil
}

func storageGetLastAggregate(tr *notes.Tree, c *call) (any, error) {
	ts, err := tr.LastAggregate()
	if err != nil {
		return nil, err
	}
	return map[string]any{"time": ts}, nil
}

func storageSetLastAggregate(tr *notes.Tree, c *call) (any, error) {
	if err := tr.SetLastAggregate(strParam(c.params, "time")); err != nil {
		return nil, err
	}
	return map[string]any{"saved": true}, nil
}

func storageGetLastSync(tr *notes.Tree, c *call) (any, error) {
	ts, err := tr.LastSync()
	if err != nil {
		return nil, err
	}
	return map[string]any{"time": ts}, nil
}

func storageSetLastSync(tr *notes.Tree, c *call) (any, error) {
	if err := tr.SetLastSync(strParam(c.params, "time")); err != nil {
		return nil, err
	}
	return map[string]any{"saved": true}, nil
}
