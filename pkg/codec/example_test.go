package codec_test

import (
	"fmt"
	"log"

	"github.com/ssargent/ctxstore/pkg/codec"
	"github.com/ssargent/ctxstore/pkg/record"
)

// ExampleCompiler_Compile renders a decision section after the version marker
func ExampleCompiler_Compile() {
	c := codec.NewCompiler(codec.CompilerConfig{})

	out, err := c.Compile(&record.Decisions{Rows: []record.Decision{{
		Text:       "Use flat files | no database",
		Priority:   record.PriorityHigh,
		Confidence: record.ConfidenceMedium,
		Impact:     record.ImpactHigh,
		Extra:      record.Fields{{Key: "rationale", Value: "easy to inspect"}},
	}}}, codec.SeqAfter(1))
	if err != nil {
		log.Fatal(err)
	}

	fmt.Print(string(c.VersionLine(1).Data))
	fmt.Print(string(out.Bytes()))
	// Output:
	// 1|@VERSION:1
	// 2|@DECISIONS
	// 3|@DECISION Use flat files \| no database|high|medium|high|rationale=easy to inspect
	// 4|
}

// ExampleParse reads a small document and reports what it found
func ExampleParse() {
	data := []byte("1|@VERSION:1\n2|@STATE:main\n3|focus=index rebuild\n4|mood=calm\n5|\n")

	doc, err := codec.Parse(data, codec.ParserConfig{Mode: codec.Strict})
	if err != nil {
		log.Fatal(err)
	}

	for _, e := range doc.Entries {
		s := e.Record.(*record.State)
		fmt.Printf("seq=%d offset=%d name=%s focus=%q extra=%v\n", e.Seq, e.Offset, s.Name, s.Focus, s.Extra)
	}
	// Output:
	// seq=2 offset=13 name=main focus="index rebuild" extra=[{mood calm}]
}

// ExampleParse_partialTail shows a torn final line being dropped
func ExampleParse_partialTail() {
	data := []byte("1|@VERSION:1\n2|@STATE\n3|focus=x\n4|\n5|@STA")

	doc, err := codec.Parse(data, codec.ParserConfig{Mode: codec.Lenient, AllowPartialTail: true})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(len(doc.Entries), doc.Diagnostics[0].Code)
	// Output:
	// 1 partial_tail
}
