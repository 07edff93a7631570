package main

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"

	"github.com/appsworld/impcache/pkg/objcmodel"
)

// scenarioMethod/scenarioClass/scenarioCategory/scenarioDylib mirror
// objcmodel's shapes but in a JSON-friendly form that names superclasses
// by (dylib, class) instead of pointer, since the real linkage a binary
// parser would hand us is out of scope for this tool (spec §1). This file
// exists purely so `impcachegen build` has something runnable to point at
// without a Mach-O parser on hand.
type scenarioMethod struct {
	Name string `json:"name"`
}

type scenarioClassRef struct {
	Dylib string `json:"dylib"`
	Class string `json:"class"`
}

type scenarioClass struct {
	Name       string             `json:"name"`
	IsRoot     bool               `json:"isRoot"`
	Superclass *scenarioClassRef  `json:"superclass"`
	Methods    []scenarioMethod   `json:"methods"`
	Metaclass  *scenarioMetaclass `json:"metaclass"`
}

type scenarioMetaclass struct {
	IsRoot     bool              `json:"isRoot"`
	Superclass *scenarioClassRef `json:"superclass"`
	Methods    []scenarioMethod  `json:"methods"`
}

type scenarioCategory struct {
	Name            string           `json:"name"`
	Class           scenarioClassRef `json:"class"`
	InstanceMethods []scenarioMethod `json:"instanceMethods"`
	ClassMethods    []scenarioMethod `json:"classMethods"`
}

type scenarioDylib struct {
	InstallName string             `json:"installName"`
	Classes     []scenarioClass    `json:"classes"`
	Categories  []scenarioCategory `json:"categories"`
}

type scenario struct {
	Dylibs []scenarioDylib `json:"dylibs"`
}

// loadScenario reads a scenario document from path and wires it into the
// cross-dylib *objcmodel.Class/Dylib pointer graph the builder expects.
func loadScenario(path string) ([]*objcmodel.Dylib, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading scenario file")
	}
	var doc scenario
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, "parsing scenario file")
	}

	dylibs := make(map[string]*objcmodel.Dylib, len(doc.Dylibs))
	var order []*objcmodel.Dylib
	for _, d := range doc.Dylibs {
		od := &objcmodel.Dylib{InstallName: d.InstallName}
		dylibs[d.InstallName] = od
		order = append(order, od)
	}

	classKey := func(dylib, name string, meta bool) string {
		suffix := ""
		if meta {
			suffix = "$meta"
		}
		return dylib + "\x00" + name + suffix
	}
	classes := make(map[string]*objcmodel.Class)

	for _, d := range doc.Dylibs {
		od := dylibs[d.InstallName]
		for _, c := range d.Classes {
			cls := &objcmodel.Class{Name: c.Name, IsRootClass: c.IsRoot, DeclaringDylib: od}
			for _, m := range c.Methods {
				cls.Methods = append(cls.Methods, objcmodel.Method{Name: m.Name})
			}
			od.Classes = append(od.Classes, cls)
			classes[classKey(d.InstallName, c.Name, false)] = cls

			if c.Metaclass != nil {
				meta := &objcmodel.Class{Name: c.Name, IsMetaclass: true, IsRootClass: c.Metaclass.IsRoot, DeclaringDylib: od}
				for _, m := range c.Metaclass.Methods {
					meta.Methods = append(meta.Methods, objcmodel.Method{Name: m.Name})
				}
				cls.Metaclass = meta
				od.Classes = append(od.Classes, meta)
				classes[classKey(d.InstallName, c.Name, true)] = meta
			}
		}
	}

	resolve := func(ref *scenarioClassRef, meta bool) (*objcmodel.Class, *objcmodel.Dylib) {
		if ref == nil {
			return nil, nil
		}
		cls := classes[classKey(ref.Dylib, ref.Class, meta)]
		return cls, dylibs[ref.Dylib]
	}

	for _, d := range doc.Dylibs {
		for _, c := range d.Classes {
			cls := classes[classKey(d.InstallName, c.Name, false)]
			if c.Superclass != nil {
				super, superDylib := resolve(c.Superclass, false)
				cls.Superclass = super
				cls.SuperclassDylib = superDylib
			}
			if c.Metaclass != nil && c.Metaclass.Superclass != nil {
				super, superDylib := resolve(c.Metaclass.Superclass, true)
				cls.Metaclass.Superclass = super
				cls.Metaclass.SuperclassDylib = superDylib
			}
		}
		od := dylibs[d.InstallName]
		for _, cat := range d.Categories {
			target, targetDylib := resolve(&cat.Class, false)
			if target == nil {
				continue
			}
			category := &objcmodel.Category{Name: cat.Name, Class: target, ClassDylib: targetDylib}
			for _, m := range cat.InstanceMethods {
				category.InstanceMethods = append(category.InstanceMethods, objcmodel.Method{Name: m.Name})
			}
			for _, m := range cat.ClassMethods {
				category.ClassMethods = append(category.ClassMethods, objcmodel.Method{Name: m.Name})
			}
			od.Categories = append(od.Categories, category)
		}
	}

	return order, nil
}
