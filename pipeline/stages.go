package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"

	"github.com/hazyhaar/lexpipe/analyze"
	"github.com/hazyhaar/lexpipe/blobstore"
	"github.com/hazyhaar/lexpipe/chunker"
	"github.com/hazyhaar/lexpipe/dbopen"
	"github.com/hazyhaar/lexpipe/embed"
	"github.com/hazyhaar/lexpipe/extract"
	"github.com/hazyhaar/lexpipe/jobs"
	"github.com/hazyhaar/lexpipe/observability"
	"github.com/hazyhaar/lexpipe/parse"
	"github.com/hazyhaar/lexpipe/store"
)

// ParsePayload is the PARSE_DOC job payload.
type ParsePayload struct {
	MIME     string `json:"mime"`
	BlobPath string `json:"blob_path"`
}

func (p *Pipeline) runParse(ctx context.Context, job *jobs.Job) (string, error) {
	doc, err := p.document(ctx, job)
	if err != nil {
		return "", err
	}
	if doc.PagesJSON != nil {
		if _, err := p.Queue.Enqueue(ctx, StageChunk, doc.ID, "{}", ChunksKey(doc.ID)); err != nil {
			return "", err
		}
		return observability.EventSkip, nil
	}

	var payload ParsePayload
	if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
		return "", jobs.Fatal(fmt.Errorf("parse payload: %w", err))
	}
	if payload.BlobPath == "" {
		payload.BlobPath = doc.BlobPath
	}
	if payload.MIME == "" {
		payload.MIME = doc.MIME
	}

	format, err := parse.Detect(payload.MIME, doc.Filename)
	if err != nil {
		return "", jobs.Fatal(err)
	}

	rc, err := p.Blobs.Get(ctx, payload.BlobPath)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return "", jobs.Fatal(err)
		}
		return "", err
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return "", fmt.Errorf("read blob %s: %w", payload.BlobPath, err)
	}

	res, err := parse.Parse(data, format)
	if err != nil {
		return "", jobs.Fatal(fmt.Errorf("parse %s: %w", doc.ID, err))
	}
	pagesJSON, err := json.Marshal(res)
	if err != nil {
		return "", fmt.Errorf("marshal pages: %w", err)
	}
	textPlain := res.TextPlain()

	err = dbopen.RunTx(ctx, p.DB, func(tx *sql.Tx) error {
		st := p.Store.WithTx(tx)
		if err := st.SetParseArtifacts(ctx, doc.ID, string(pagesJSON), textPlain); err != nil {
			return err
		}
		if err := st.TransitionStatus(ctx, doc.ID, store.StatusParsed); err != nil {
			return err
		}
		_, err := p.Queue.WithTx(tx).Enqueue(ctx, StageChunk, doc.ID, "{}", ChunksKey(doc.ID))
		return err
	})
	if err != nil {
		return "", err
	}
	p.Log.Info("document parsed", "document_id", doc.ID,
		"engine", res.Parser.Engine, "blocks", len(res.Blocks), "pages", len(res.HTMLPages))
	return observability.EventDone, nil
}

func (p *Pipeline) runChunk(ctx context.Context, job *jobs.Job) (string, error) {
	doc, err := p.document(ctx, job)
	if err != nil {
		return "", err
	}
	has, err := p.Store.HasChunks(ctx, doc.ID)
	if err != nil {
		return "", err
	}
	if has {
		if _, err := p.Queue.Enqueue(ctx, StageExtract, doc.ID, "{}", ExtractKey(doc.ID)); err != nil {
			return "", err
		}
		return observability.EventSkip, nil
	}
	if doc.PagesJSON == nil {
		return "", jobs.Fatal(fmt.Errorf("document %s has no parse artifacts", doc.ID))
	}

	var res parse.Result
	if err := json.Unmarshal([]byte(*doc.PagesJSON), &res); err != nil {
		return "", jobs.Fatal(fmt.Errorf("decode pages_json %s: %w", doc.ID, err))
	}

	chunks := p.buildChunks(doc, &res)
	if err := p.embedChunks(ctx, chunks); err != nil {
		return "", err
	}

	err = dbopen.RunTx(ctx, p.DB, func(tx *sql.Tx) error {
		st := p.Store.WithTx(tx)
		if err := st.InsertChunks(ctx, chunks); err != nil {
			return err
		}
		if err := st.TransitionStatus(ctx, doc.ID, store.StatusChunked); err != nil {
			return err
		}
		_, err := p.Queue.WithTx(tx).Enqueue(ctx, StageExtract, doc.ID, "{}", ExtractKey(doc.ID))
		return err
	})
	if err != nil {
		return "", err
	}
	p.Log.Info("document chunked", "document_id", doc.ID, "chunks", len(chunks))
	return observability.EventDone, nil
}

// buildChunks prefers one chunk per parser block; documents without
// block structure fall back to token-window chunks cut from the page
// text, and finally from text_plain.
func (p *Pipeline) buildChunks(doc *store.Document, res *parse.Result) []*store.Chunk {
	opts := chunker.Options{
		MaxTokens:     p.Opts.ChunkMaxTokens,
		OverlapTokens: p.Opts.ChunkOverlapTokens,
	}

	var chunks []*store.Chunk
	if len(res.Blocks) > 0 {
		for _, b := range res.Blocks {
			blockID := b.ID
			chunks = append(chunks, &store.Chunk{
				DocumentID: doc.ID,
				BlockID:    &blockID,
				Page:       b.Page,
				Kind:       b.Type,
				Text:       b.Text,
			})
		}
		return chunks
	}

	for page, htmlPage := range res.HTMLPages {
		for _, c := range chunker.Split(htmlText(htmlPage), opts) {
			chunks = append(chunks, &store.Chunk{
				DocumentID: doc.ID,
				Page:       page,
				Kind:       "para",
				Text:       c.Text,
			})
		}
	}
	if len(chunks) == 0 && doc.TextPlain != nil {
		for _, c := range chunker.Split(*doc.TextPlain, opts) {
			chunks = append(chunks, &store.Chunk{
				DocumentID: doc.ID,
				Kind:       "para",
				Text:       c.Text,
			})
		}
	}
	return chunks
}

// embedChunks attaches embedding blobs in place. Zero vectors, the stub
// embedder's signature, are never persisted.
func (p *Pipeline) embedChunks(ctx context.Context, chunks []*store.Chunk) error {
	if !p.Opts.EmbedEnabled || p.Embedder == nil || len(chunks) == 0 {
		return nil
	}
	batch := p.embedBatchSize()
	for start := 0; start < len(chunks); start += batch {
		end := min(start+batch, len(chunks))
		texts := make([]string, 0, end-start)
		for _, c := range chunks[start:end] {
			texts = append(texts, c.Text)
		}
		vecs, err := p.Embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return fmt.Errorf("embed batch: %w", err)
		}
		if len(vecs) != len(texts) {
			return fmt.Errorf("embed batch: %d vectors for %d texts", len(vecs), len(texts))
		}
		for i, v := range vecs {
			if embed.IsZero(v) {
				continue
			}
			chunks[start+i].Embedding = embed.EncodeVector(v)
		}
	}
	return nil
}

func (p *Pipeline) runExtract(ctx context.Context, job *jobs.Job) (string, error) {
	doc, err := p.document(ctx, job)
	if err != nil {
		return "", err
	}
	n, err := p.Store.CountClauses(ctx, doc.ID)
	if err != nil {
		return "", err
	}
	if n > 0 {
		if _, err := p.Queue.Enqueue(ctx, StageBand, doc.ID, "{}", BandKey(doc.ID)); err != nil {
			return "", err
		}
		return observability.EventSkip, nil
	}

	text := ""
	if doc.TextPlain != nil {
		text = *doc.TextPlain
	}

	var snippets []extract.Snippet
	if doc.PagesJSON != nil {
		var res parse.Result
		if err := json.Unmarshal([]byte(*doc.PagesJSON), &res); err != nil {
			return "", jobs.Fatal(fmt.Errorf("decode pages_json %s: %w", doc.ID, err))
		}
		snippets = extract.FromStructured(&res)
	}
	if len(snippets) == 0 && text != "" {
		snippets = extract.FromText(text)
	}
	if len(snippets) == 0 && text != "" {
		snippets = []extract.Snippet{extract.Overview(text)}
	}
	snippets = extract.Normalize(snippets)

	clauses := make([]*store.Clause, 0, len(snippets))
	for _, s := range snippets {
		meta := map[string]any{"source": s.Source}
		for k, v := range s.Meta {
			meta[k] = v
		}
		metaJSON, err := json.Marshal(meta)
		if err != nil {
			return "", fmt.Errorf("marshal clause meta: %w", err)
		}
		pageHint := s.PageHint
		clauses = append(clauses, &store.Clause{
			DocumentID: doc.ID,
			ClauseKey:  s.ClauseKey,
			Title:      s.Title,
			Text:       s.Text,
			StartIdx:   s.StartIdx,
			EndIdx:     s.EndIdx,
			PageHint:   &pageHint,
			Score:      s.Confidence,
			MetaJSON:   string(metaJSON),
		})
	}

	err = dbopen.RunTx(ctx, p.DB, func(tx *sql.Tx) error {
		st := p.Store.WithTx(tx)
		if err := st.InsertClauses(ctx, clauses); err != nil {
			return err
		}
		for i, cl := range clauses {
			if err := bindClauseChunk(ctx, st, cl, snippets[i]); err != nil {
				return err
			}
		}
		if err := st.TransitionStatus(ctx, doc.ID, store.StatusExtracted); err != nil {
			return err
		}
		_, err := p.Queue.WithTx(tx).Enqueue(ctx, StageBand, doc.ID, "{}", BandKey(doc.ID))
		return err
	})
	if err != nil {
		return "", err
	}
	p.Log.Info("clauses extracted", "document_id", doc.ID, "clauses", len(clauses))
	return observability.EventDone, nil
}

// bindClauseChunk links a clause to its best chunk: a block the snippet
// came from, else the first chunk on the hinted page, else page 0. A
// document with no chunks on those pages leaves the clause unbound.
func bindClauseChunk(ctx context.Context, st *store.Store, cl *store.Clause, s extract.Snippet) error {
	for _, blockID := range s.BlockIDs {
		ch, err := st.ChunkByBlockID(ctx, cl.DocumentID, blockID)
		if err != nil {
			return err
		}
		if ch != nil {
			return st.AssignClause(ctx, ch.ID, cl.ID)
		}
	}
	for _, page := range []int{s.PageHint, 0} {
		ch, err := st.FirstChunkOnPage(ctx, cl.DocumentID, page)
		if err != nil {
			return err
		}
		if ch != nil {
			return st.AssignClause(ctx, ch.ID, cl.ID)
		}
	}
	return nil
}

func (p *Pipeline) runBand(ctx context.Context, job *jobs.Job) (string, error) {
	doc, err := p.document(ctx, job)
	if err != nil {
		return "", err
	}
	if doc.GraphJSON != nil {
		if _, err := p.Queue.Enqueue(ctx, StageAnalyze, doc.ID, "{}", AnalyzeKey(doc.ID)); err != nil {
			return "", err
		}
		return observability.EventSkip, nil
	}

	clauses, err := p.Store.ListClauses(ctx, doc.ID)
	if err != nil {
		return "", err
	}
	nodes := make([]analyze.Node, 0, len(clauses))
	for _, cl := range clauses {
		nodes = append(nodes, analyze.Node{ID: cl.ID, ClauseKey: cl.ClauseKey, Title: cl.Title})
	}
	graphJSON, err := analyze.BuildGraph(doc.ID, nodes)
	if err != nil {
		return "", err
	}

	err = dbopen.RunTx(ctx, p.DB, func(tx *sql.Tx) error {
		st := p.Store.WithTx(tx)
		if err := st.SetGraph(ctx, doc.ID, string(graphJSON)); err != nil {
			return err
		}
		if err := st.TransitionStatus(ctx, doc.ID, store.StatusGraphed); err != nil {
			return err
		}
		_, err := p.Queue.WithTx(tx).Enqueue(ctx, StageAnalyze, doc.ID, "{}", AnalyzeKey(doc.ID))
		return err
	})
	if err != nil {
		return "", err
	}
	p.Log.Info("clause graph built", "document_id", doc.ID, "nodes", len(nodes))
	return observability.EventDone, nil
}

func (p *Pipeline) runAnalyze(ctx context.Context, job *jobs.Job) (string, error) {
	doc, err := p.document(ctx, job)
	if err != nil {
		return "", err
	}
	nClauses, err := p.Store.CountClauses(ctx, doc.ID)
	if err != nil {
		return "", err
	}
	nAnalyses, err := p.Store.CountAnalyses(ctx, doc.ID)
	if err != nil {
		return "", err
	}
	if nClauses > 0 && nAnalyses >= nClauses {
		return observability.EventSkip, nil
	}

	lev := analyze.ParseLeverage(doc.LeverageJSON)
	inputsJSON, err := json.Marshal(map[string]any{
		"leverage": lev,
		"version":  "v1",
	})
	if err != nil {
		return "", fmt.Errorf("marshal analysis inputs: %w", err)
	}

	clauses, err := p.Store.ListClauses(ctx, doc.ID)
	if err != nil {
		return "", err
	}
	analyses := make([]*store.Analysis, 0, len(clauses))
	for _, cl := range clauses {
		var attrs map[string]any
		if cl.MetaJSON != "" {
			// attrs are advisory; malformed meta degrades to none
			_ = json.Unmarshal([]byte(cl.MetaJSON), &attrs)
		}
		r := analyze.Analyze(cl.ClauseKey, cl.Text, lev, attrs)
		analysisJSON, err := json.Marshal(r)
		if err != nil {
			return "", fmt.Errorf("marshal analysis %s: %w", cl.ID, err)
		}
		analyses = append(analyses, &store.Analysis{
			DocumentID:   doc.ID,
			ClauseID:     cl.ID,
			BandName:     r.BandName,
			BandScore:    r.BandScore,
			InputsJSON:   string(inputsJSON),
			AnalysisJSON: string(analysisJSON),
		})
	}

	err = dbopen.RunTx(ctx, p.DB, func(tx *sql.Tx) error {
		st := p.Store.WithTx(tx)
		for _, a := range analyses {
			if err := st.UpsertAnalysis(ctx, a); err != nil {
				return err
			}
		}
		return st.TransitionStatus(ctx, doc.ID, store.StatusAnalyzed)
	})
	if err != nil {
		return "", err
	}
	p.Log.Info("document analyzed", "document_id", doc.ID, "analyses", len(analyses))
	return observability.EventDone, nil
}

// htmlText flattens an HTML fragment to whitespace-normalized text.
func htmlText(fragment string) string {
	root, err := html.Parse(strings.NewReader(fragment))
	if err != nil {
		return strings.TrimSpace(fragment)
	}
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			sb.WriteByte(' ')
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return strings.Join(strings.Fields(sb.String()), " ")
}
