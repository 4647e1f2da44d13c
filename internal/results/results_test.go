package results

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatus_Derivation(t *testing.T) {
	allOK := FromChildren("task", OK("", "a"), OK("", "b"))
	assert.Equal(t, StatusOK, allOK.Status())

	withWarn := FromChildren("task", OK("", "a"), Warn("", "b"))
	assert.Equal(t, StatusWarn, withWarn.Status())

	withErr := FromChildren("task", OK("", "a"), Warn("", "b"), Err("", "c"))
	assert.Equal(t, StatusErr, withErr.Status())
}

func TestStatus_EmptyCompositeIsOK(t *testing.T) {
	assert.Equal(t, StatusOK, FromChildren("task").Status())
}

func TestStatus_DerivationIsRecursive(t *testing.T) {
	inner := FromChildren("inner", Err("", "boom"))
	outer := FromChildren("outer", OK("", ""), inner)
	assert.Equal(t, StatusErr, outer.Status())
}

func TestOverride_DemotesDerivedStatus(t *testing.T) {
	res := FromChildren("repo", Err("snapshot 1", "transfer failed"))
	assert.Equal(t, StatusErr, res.Status())

	res.Override(StatusWarn, "errors ignored")
	assert.Equal(t, StatusWarn, res.Status())
	assert.Equal(t, "errors ignored", res.Message)
}

func TestAdd_AppendsChildren(t *testing.T) {
	res := FromChildren("task")
	res.Add(OK("", "a"))
	res.Add(Warn("", "b"), Err("", "c"))
	assert.Len(t, res.Children(), 3)
}

func TestRender_IndentedTree(t *testing.T) {
	root := FromChildren("Backup run",
		FromChildren(`snapper config "root"`,
			OK("snapshot 1 (2024-01-05)", ""),
			Err("snapshot 2 (2024-01-06)", "transfer failed"),
		),
	)

	out := root.Render()
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	assert.Equal(t, `ERR   Backup run`, lines[0])
	assert.Equal(t, `  ERR   snapper config "root"`, lines[1])
	assert.Equal(t, `    OK    snapshot 1 (2024-01-05)`, lines[2])
	assert.Equal(t, `    ERR   snapshot 2 (2024-01-06)`, lines[3])
	assert.Contains(t, lines[4], "↳ transfer failed")
}

func TestRender_MessageOnlyLeaf(t *testing.T) {
	out := Warn("", "nothing to do").Render()
	assert.Equal(t, "WARN  nothing to do\n", out)
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "OK", StatusOK.String())
	assert.Equal(t, "WARN", StatusWarn.String())
	assert.Equal(t, "ERR", StatusErr.String())
}
