package knowledge

import (
	"bytes"
	"encoding/json"
	"strings"
)

type FileStatus string

const (
	StatusProcessed  FileStatus = "processed"
	StatusProcessing FileStatus = "processing"
	StatusFailed     FileStatus = "failed"
	StatusUnknown    FileStatus = "unknown"
)

// ParseStatus folds the service's processing states into the four the
// engine acts on.
func ParseStatus(raw string) FileStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "processed", "completed", "complete", "success", "done":
		return StatusProcessed
	case "processing", "pending", "queued", "uploading", "in_progress":
		return StatusProcessing
	case "failed", "error":
		return StatusFailed
	default:
		return StatusUnknown
	}
}

type UploadedFile struct {
	ID       string
	Filename string
	Status   FileStatus
}

type File struct {
	ID       string
	Filename string
	Status   FileStatus
}

type KnowledgeBase struct {
	ID          string
	Name        string
	Description string
	FileIDs     []string
	// Files is only populated when the service embeds file objects in the
	// listing.
	Files []File
}

type fileWire struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Status   string `json:"status"`
	Meta     struct {
		Name string `json:"name"`
	} `json:"meta"`
	Data struct {
		Status string `json:"status"`
	} `json:"data"`
}

func (w fileWire) file() File {
	name := w.Filename
	if name == "" {
		name = w.Meta.Name
	}
	status := w.Status
	if status == "" {
		status = w.Data.Status
	}
	return File{ID: w.ID, Filename: name, Status: ParseStatus(status)}
}

type knowledgeWire struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	FileIDs     []string          `json:"file_ids"`
	Data        *knowledgeData    `json:"data"`
	Files       []json.RawMessage `json:"files"`
}

type knowledgeData struct {
	FileIDs []string `json:"file_ids"`
}

func (w knowledgeWire) knowledgeBase() KnowledgeBase {
	kb := KnowledgeBase{ID: w.ID, Name: w.Name, Description: w.Description}
	seen := map[string]bool{}
	add := func(id string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		kb.FileIDs = append(kb.FileIDs, id)
	}
	for _, id := range w.FileIDs {
		add(id)
	}
	if w.Data != nil {
		for _, id := range w.Data.FileIDs {
			add(id)
		}
	}
	for _, raw := range w.Files {
		raw = bytes.TrimSpace(raw)
		if len(raw) > 0 && raw[0] == '"' {
			var id string
			if json.Unmarshal(raw, &id) == nil {
				add(id)
			}
			continue
		}
		var fw fileWire
		if json.Unmarshal(raw, &fw) != nil || fw.ID == "" {
			continue
		}
		add(fw.ID)
		kb.Files = append(kb.Files, fw.file())
	}
	return kb
}

// decodeKnowledgeList accepts a bare array or an object wrapping it under
// "items" or "data".
func decodeKnowledgeList(payload []byte) ([]KnowledgeBase, error) {
	payload = bytes.TrimSpace(payload)
	var wires []knowledgeWire
	if len(payload) > 0 && payload[0] == '{' {
		var envelope struct {
			Items []knowledgeWire `json:"items"`
			Data  []knowledgeWire `json:"data"`
		}
		if err := json.Unmarshal(payload, &envelope); err != nil {
			return nil, err
		}
		wires = envelope.Items
		if len(wires) == 0 {
			wires = envelope.Data
		}
	} else if len(payload) > 0 {
		if err := json.Unmarshal(payload, &wires); err != nil {
			return nil, err
		}
	}
	out := make([]KnowledgeBase, 0, len(wires))
	for _, w := range wires {
		out = append(out, w.knowledgeBase())
	}
	return out, nil
}
