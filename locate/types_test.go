package locate

import "testing"

func TestReadingValidate(t *testing.T) {
	good := rangingReading([]float64{1, 2}, 5, 0)
	if err := good.Validate(2); err != nil {
		t.Errorf("valid reading rejected: %v", err)
	}
	if err := good.Validate(3); err == nil {
		t.Error("2D reading accepted for 3 dimensions")
	}

	empty := Reading{Position: []float64{1, 2}}
	if err := empty.Validate(2); err == nil {
		t.Error("reading without distance or RSSI accepted")
	}

	negative := rangingReading([]float64{1, 2}, -1, 0)
	if err := negative.Validate(2); err == nil {
		t.Error("negative distance accepted")
	}
}

func TestReadingComponents(t *testing.T) {
	rd := Reading{Position: []float64{0, 0}}
	if rd.HasDistance() || rd.HasRSSI() {
		t.Error("empty reading reports measurements")
	}
	rd.Distance = float64Ptr(3)
	rd.RSSI = float64Ptr(-60)
	if !rd.HasDistance() || !rd.HasRSSI() {
		t.Error("dual reading missing a component")
	}
}

func TestSolutionClone(t *testing.T) {
	power := -15.0
	exponent := 2.4
	orig := &Solution{
		Position: []float64{1, 2},
		Power:    &power,
		Exponent: &exponent,
	}
	c := orig.Clone()

	c.Position[0] = 99
	*c.Power = 99
	*c.Exponent = 99
	if orig.Position[0] != 1 || *orig.Power != -15.0 || *orig.Exponent != 2.4 {
		t.Errorf("clone shares storage with the original: %+v", orig)
	}

	var nilSol *Solution
	if nilSol.Clone() != nil {
		t.Error("cloning nil should yield nil")
	}

	partial := (&Solution{Position: []float64{3, 4}}).Clone()
	if partial.Power != nil || partial.Exponent != nil {
		t.Errorf("clone invented optional fields: %+v", partial)
	}
}
