package completion

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"text/template"

	"github.com/fsnotify/fsnotify"
)

// defaultPrompt is compiled in and used until a template file is loaded.
const defaultPrompt = `You are completing code in a shared editor session.
Language: {{.Language}}

Current code:
{{.Code}}

Task: {{.Instruction}}

Return only the code to insert at the cursor. Do not include commentary,
explanations, or fenced code blocks.`

// PromptSource renders the prompt sent to the provider. The template can be
// overridden by a file on disk, which is re-read whenever it changes.
type PromptSource struct {
	mu   sync.RWMutex
	tmpl *template.Template
	path string

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewPromptSource returns a source backed by the built-in template.
func NewPromptSource() *PromptSource {
	return &PromptSource{
		tmpl: template.Must(template.New("prompt").Parse(defaultPrompt)),
	}
}

// LoadFile replaces the template with the contents of path. The previous
// template stays active when the file is missing or fails to parse.
func (p *PromptSource) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("completion: read prompt template: %w", err)
	}
	tmpl, err := template.New("prompt").Parse(string(raw))
	if err != nil {
		return fmt.Errorf("completion: parse prompt template: %w", err)
	}
	p.mu.Lock()
	p.tmpl = tmpl
	p.path = path
	p.mu.Unlock()
	return nil
}

// Watch reloads the template file whenever it is rewritten. LoadFile must
// have succeeded first.
func (p *PromptSource) Watch() error {
	p.mu.RLock()
	path := p.path
	p.mu.RUnlock()
	if path == "" {
		return fmt.Errorf("completion: no template file to watch")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("completion: start watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("completion: watch %s: %w", path, err)
	}

	p.watcher = watcher
	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		for {
			select {
			case evt, ok := <-watcher.Events:
				if !ok {
					return
				}
				if evt.Op.Has(fsnotify.Write) || evt.Op.Has(fsnotify.Create) {
					if err := p.LoadFile(path); err != nil {
						log.Printf("prompt template reload: %v", err)
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("prompt template watcher: %v", err)
			}
		}
	}()
	return nil
}

// Close stops the watcher, if one is running.
func (p *PromptSource) Close() error {
	if p.watcher == nil {
		return nil
	}
	err := p.watcher.Close()
	<-p.done
	return err
}

// Render produces the provider prompt for one completion request.
func (p *PromptSource) Render(req Request) (string, error) {
	p.mu.RLock()
	tmpl := p.tmpl
	p.mu.RUnlock()

	var sb strings.Builder
	if err := tmpl.Execute(&sb, req); err != nil {
		return "", fmt.Errorf("completion: render prompt: %w", err)
	}
	return sb.String(), nil
}
