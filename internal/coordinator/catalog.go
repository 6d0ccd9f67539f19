package coordinator

import (
	"github.com/shaiso/Relay/internal/adviser"
	"github.com/shaiso/Relay/internal/facilitator"
	"github.com/shaiso/Relay/internal/steps"
	"github.com/shaiso/Relay/internal/timeout"
)

// Catalog — набор реестров, против которого проверяется план
// до сохранения (engine.Catalog). Nil-реестр пропускает любой тип.
type Catalog struct {
	Steps        *steps.Registry
	Facilitators *facilitator.Registry
	Advisers     *adviser.Registry
	Dimensions   *timeout.Registry
}

// DefaultCatalog описывает все встроенные типы.
//
// Шаги barrier и resource_restraint регистрируются без сервисов:
// каталог только проверяет имена и ничего не выполняет.
func DefaultCatalog() *Catalog {
	reg := steps.DefaultRegistry(steps.Deps{})
	reg.MustRegister(steps.StepTypeBarrier, steps.NewBarrierStep(nil))
	reg.MustRegister(steps.StepTypeResourceRestraint, steps.NewResourceRestraintStep(nil))

	c := &Catalog{
		Steps:        reg,
		Facilitators: facilitator.DefaultRegistry(),
		Advisers:     adviser.DefaultRegistry(),
		Dimensions:   timeout.DefaultRegistry(),
	}
	c.Steps.Freeze()
	c.Facilitators.Freeze()
	c.Advisers.Freeze()
	c.Dimensions.Freeze()
	return c
}

func (c *Catalog) HasStep(t string) bool {
	return c.Steps == nil || c.Steps.Has(t)
}

func (c *Catalog) HasFacilitator(t string) bool {
	return c.Facilitators == nil || c.Facilitators.Has(t)
}

func (c *Catalog) HasAdviser(t string) bool {
	return c.Advisers == nil || c.Advisers.Has(t)
}

func (c *Catalog) HasDimension(d string) bool {
	return c.Dimensions == nil || c.Dimensions.Has(d)
}
