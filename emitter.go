package relay

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/renderer"
	"github.com/yuin/goldmark/util"
)

// RunMessage is the chat message produced for a terminal run.
type RunMessage struct {
	ID             string `json:"id"`
	RunID          string `json:"run_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	Role           string `json:"role"`
	Text           string `json:"text"`
	Preview        string `json:"preview,omitempty"`
	CreatedAt      int64  `json:"created_at"`
}

// MessageSink persists run messages. SaveRunMessage must be idempotent per
// run id: created=false means a message for that run already exists.
type MessageSink interface {
	SaveRunMessage(ctx context.Context, msg *RunMessage) (created bool, err error)
}

// maxPreviewRunes bounds the plain-text preview attached to run messages.
const maxPreviewRunes = 200

// Emitter turns terminal runs into conversation messages. Emission is
// idempotent per run and skips child runs (those carrying parent_run_id),
// whose results surface through their parent instead.
type Emitter struct {
	store  RunStore
	sink   MessageSink
	logger *slog.Logger
}

// NewEmitter creates an emitter over a run store and message sink.
func NewEmitter(store RunStore, sink MessageSink, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = nopLogger
	}
	return &Emitter{store: store, sink: sink, logger: logger}
}

// EmitRunMessage emits the chat message for a terminal run. Non-terminal runs
// return ErrNotTerminal; child runs and duplicate emissions are no-ops.
func (e *Emitter) EmitRunMessage(ctx context.Context, runID string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if !run.Status.Terminal() {
		return ErrNotTerminal
	}
	if run.Input.Str("parent_run_id") != "" {
		return nil
	}

	text := e.messageText(run)
	msg := &RunMessage{
		ID:             NewID(),
		RunID:          run.ID,
		ConversationID: run.ConversationID,
		Role:           "assistant",
		Text:           text,
		Preview:        truncate(MarkdownToPlain(text), maxPreviewRunes),
		CreatedAt:      NowUnixMilli(),
	}
	created, err := e.sink.SaveRunMessage(ctx, msg)
	if err != nil {
		return err
	}
	if !created {
		e.logger.Debug("run message already emitted", "run_id", run.ID)
	}
	return nil
}

// messageText composes the user-facing message for a terminal run.
func (e *Emitter) messageText(run *Run) string {
	switch run.Status {
	case StatusCanceled:
		if run.CancelReason != "" {
			return fmt.Sprintf("Task %q was canceled: %s", runTitle(run), run.CancelReason)
		}
		return fmt.Sprintf("Task %q was canceled.", runTitle(run))
	case StatusFailed:
		if run.Output != nil && run.Output.Error != nil {
			return fmt.Sprintf("Task %q failed: %s", runTitle(run), run.Output.Error.Message)
		}
		if run.Error != "" {
			return fmt.Sprintf("Task %q failed: %s", runTitle(run), run.Error)
		}
		return fmt.Sprintf("Task %q failed.", runTitle(run))
	}
	if run.Output != nil {
		if reply := run.Output.Reply(); reply != "" {
			return reply
		}
		if obs := run.Output.Observation(); obs != "" {
			return obs
		}
	}
	return fmt.Sprintf("Task %q finished.", runTitle(run))
}

func runTitle(run *Run) string {
	if run.Title != "" {
		return run.Title
	}
	return run.Type
}

// MarkdownToPlain renders Markdown as plain text: headings and emphasis lose
// their markers, list items get bullets, links collapse to their text.
// Malformed input falls back to the raw string.
func MarkdownToPlain(md string) string {
	r := renderer.NewRenderer(
		renderer.WithNodeRenderers(
			util.Prioritized(&plainRenderer{}, 1),
		),
	)
	gm := goldmark.New(
		goldmark.WithExtensions(extension.Strikethrough),
		goldmark.WithRenderer(r),
	)

	var buf bytes.Buffer
	if err := gm.Convert([]byte(md), &buf); err != nil {
		return strings.TrimSpace(md)
	}
	return strings.TrimSpace(buf.String())
}

// plainRenderer implements goldmark's renderer.NodeRenderer to produce plain
// text output.
type plainRenderer struct {
	listCounter int
}

func (r *plainRenderer) RegisterFuncs(reg renderer.NodeRendererFuncRegisterer) {
	reg.Register(ast.KindDocument, r.renderNoop)
	reg.Register(ast.KindHeading, r.renderBlockBreak)
	reg.Register(ast.KindParagraph, r.renderBlockBreak)
	reg.Register(ast.KindBlockquote, r.renderNoop)
	reg.Register(ast.KindFencedCodeBlock, r.renderCodeBlock)
	reg.Register(ast.KindCodeBlock, r.renderCodeBlock)
	reg.Register(ast.KindList, r.renderList)
	reg.Register(ast.KindListItem, r.renderListItem)
	reg.Register(ast.KindTextBlock, r.renderTextBlock)
	reg.Register(ast.KindThematicBreak, r.renderNoop)
	reg.Register(ast.KindHTMLBlock, r.renderNoop)

	reg.Register(ast.KindText, r.renderText)
	reg.Register(ast.KindString, r.renderString)
	reg.Register(ast.KindCodeSpan, r.renderNoop)
	reg.Register(ast.KindEmphasis, r.renderNoop)
	reg.Register(ast.KindLink, r.renderNoop)
	reg.Register(ast.KindAutoLink, r.renderAutoLink)
	reg.Register(ast.KindImage, r.renderImage)
	reg.Register(ast.KindRawHTML, r.renderSkip)

	reg.Register(extast.KindStrikethrough, r.renderNoop)
}

func (r *plainRenderer) renderNoop(_ util.BufWriter, _ []byte, _ ast.Node, _ bool) (ast.WalkStatus, error) {
	return ast.WalkContinue, nil
}

func (r *plainRenderer) renderSkip(_ util.BufWriter, _ []byte, _ ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		return ast.WalkSkipChildren, nil
	}
	return ast.WalkContinue, nil
}

func (r *plainRenderer) renderBlockBreak(w util.BufWriter, _ []byte, _ ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		_, _ = w.WriteString("\n")
	}
	return ast.WalkContinue, nil
}

func (r *plainRenderer) renderCodeBlock(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		lines := node.Lines()
		for i := 0; i < lines.Len(); i++ {
			line := lines.At(i)
			_, _ = w.Write(line.Value(source))
		}
		return ast.WalkSkipChildren, nil
	}
	return ast.WalkContinue, nil
}

func (r *plainRenderer) renderList(_ util.BufWriter, _ []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	n := node.(*ast.List)
	if entering {
		if n.IsOrdered() {
			r.listCounter = int(n.Start)
		} else {
			r.listCounter = 0
		}
	}
	return ast.WalkContinue, nil
}

func (r *plainRenderer) renderListItem(w util.BufWriter, _ []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		parent := node.Parent().(*ast.List)
		if parent.IsOrdered() {
			_, _ = fmt.Fprintf(w, "%d. ", r.listCounter)
			r.listCounter++
		} else {
			_, _ = w.WriteString("- ")
		}
	} else {
		_, _ = w.WriteString("\n")
	}
	return ast.WalkContinue, nil
}

func (r *plainRenderer) renderTextBlock(w util.BufWriter, _ []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		if node.Parent() != nil && node.Parent().Kind() != ast.KindListItem {
			_, _ = w.WriteString("\n")
		}
	}
	return ast.WalkContinue, nil
}

func (r *plainRenderer) renderText(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	n := node.(*ast.Text)
	_, _ = w.Write(n.Segment.Value(source))
	if n.SoftLineBreak() || n.HardLineBreak() {
		_, _ = w.WriteString("\n")
	}
	return ast.WalkContinue, nil
}

func (r *plainRenderer) renderString(w util.BufWriter, _ []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	n := node.(*ast.String)
	_, _ = w.Write(n.Value)
	return ast.WalkContinue, nil
}

func (r *plainRenderer) renderAutoLink(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	n := node.(*ast.AutoLink)
	if entering {
		_, _ = w.Write(n.URL(source))
	}
	return ast.WalkContinue, nil
}

func (r *plainRenderer) renderImage(_ util.BufWriter, _ []byte, _ ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		return ast.WalkSkipChildren, nil
	}
	return ast.WalkContinue, nil
}
